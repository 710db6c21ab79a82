package app

import (
	"time"

	"github.com/supermancell/bitquery-chart/internal/config"
	"github.com/supermancell/bitquery-chart/internal/health"
	"github.com/supermancell/bitquery-chart/internal/metrics"
	"github.com/supermancell/bitquery-chart/internal/store"
	"github.com/supermancell/bitquery-chart/internal/stream"
	"github.com/supermancell/bitquery-chart/internal/subscription"
	"github.com/supermancell/bitquery-chart/internal/upstream"
)

// StreamDeps is the infrastructure shared with the streaming delegate. Nil
// fields get the delegate's defaults.
type StreamDeps struct {
	Store   store.BarStore
	Pinned  subscription.PinnedReader
	Health  *health.Status
	Metrics *metrics.Metrics

	RedisPinger health.Pinger
}

// StreamFactory returns a DelegateFactory building the Bitquery streaming
// server. The WebSocket dialer is injected here rather than installed
// process-wide.
func StreamFactory(cfg config.AppConfig, deps StreamDeps) DelegateFactory {
	return func(opts DelegateOptions) (Delegate, error) {
		srv, err := stream.NewServer(stream.Options{
			Port:         opts.Port,
			APIKey:       opts.APIKey,
			APIKeySet:    opts.APIKeySet,
			StreamURL:    cfg.Bitquery.StreamURL,
			Dialer:       upstream.NewDialer(cfg.Bitquery.UseProxy, cfg.Bitquery.ProxyAddr),
			Store:        deps.Store,
			Pinned:       deps.Pinned,
			PinnedKey:    cfg.Redis.PinnedKey,
			PollInterval: time.Duration(cfg.Redis.PollIntervalSec) * time.Second,
			MaxFeeds:     cfg.Bitquery.MaxUpstreamChannels,
			Health:       deps.Health,
			Metrics:      deps.Metrics,
			RedisPinger:  deps.RedisPinger,
		})
		if err != nil {
			return nil, err
		}
		return srv, nil
	}
}
