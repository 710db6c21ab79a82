package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/supermancell/bitquery-chart/internal/app"
	"github.com/supermancell/bitquery-chart/internal/config"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stderr)

	cfg := config.LoadFromEnv(config.Root())
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.WithField("level", cfg.LogLevel).Warn("Unknown LOG_LEVEL, using info")
	}

	log.Info("Bitquery Chart - static host and streaming server")
	log.WithFields(log.Fields{
		"web_port":   cfg.WebPort,
		"ws_port":    cfg.WSPort,
		"stream_url": cfg.Bitquery.StreamURL,
		"assets":     cfg.AssetsDir,
		"vendor":     cfg.VendorDir,
	}).Info("Config loaded")
	log.WithFields(log.Fields{"use_proxy": cfg.Bitquery.UseProxy, "proxy_addr": cfg.Bitquery.ProxyAddr}).Info("Proxy config")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := ConnectStores(ctx, cfg)
	a := app.New(cfg, app.StreamFactory(cfg, deps), os.Stdout)
	if err := a.Run(ctx); err != nil {
		log.WithError(err).Error("Fatal startup error")
		stop()
		os.Exit(1)
	}
}
