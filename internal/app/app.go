// Package app boots the process: it starts the streaming delegate and the
// static asset host on their own ports and reports readiness once both are
// bound.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/supermancell/bitquery-chart/internal/config"
	"github.com/supermancell/bitquery-chart/internal/static"
)

// State is the bootstrap state. There is no stopped state: shutdown ends the
// process.
type State int32

const (
	StateStarting State = iota
	StateReady
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateReady:
		return "READY"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const shutdownTimeout = 5 * time.Second

var logger = log.WithField("component", "app")

// DelegateOptions is what the streaming delegate is constructed with.
type DelegateOptions struct {
	Port      int
	APIKey    string
	APIKeySet bool
}

// Delegate is the streaming component. Init binds its port and must fail if
// it cannot.
type Delegate interface {
	Init(ctx context.Context) error
	Close() error
}

// DelegateFactory constructs the streaming delegate.
type DelegateFactory func(DelegateOptions) (Delegate, error)

// App runs the two listeners for the lifetime of a context.
type App struct {
	cfg     config.AppConfig
	factory DelegateFactory
	out     io.Writer
	state   atomic.Int32
}

// New creates an App. Readiness notices are written to out.
func New(cfg config.AppConfig, factory DelegateFactory, out io.Writer) *App {
	return &App{cfg: cfg, factory: factory, out: out}
}

// State returns the current bootstrap state.
func (a *App) State() State {
	return State(a.state.Load())
}

// Run starts both listeners, prints the readiness notices and serves until
// ctx is cancelled. Any construction, initialization or bind failure is
// returned before a readiness notice is written.
func (a *App) Run(ctx context.Context) error {
	delegate, err := a.factory(DelegateOptions{
		Port:      a.cfg.WSPort,
		APIKey:    a.cfg.APIKey,
		APIKeySet: a.cfg.APIKeySet,
	})
	if err != nil {
		return fmt.Errorf("failed to create streaming server: %w", err)
	}

	ln, err := a.start(ctx, delegate)
	if err != nil {
		return err
	}

	accessLog := log.StandardLogger().Writer()
	defer accessLog.Close()

	srv := &http.Server{
		Handler:           static.WithAccessLog(accessLog, static.NewHandler(a.cfg.AssetsDir, a.cfg.VendorDir)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.state.Store(int32(StateReady))
	webPort := ln.Addr().(*net.TCPAddr).Port
	fmt.Fprintf(a.out, "> Web ready on http://%s:%d\n", a.cfg.Host, webPort)
	fmt.Fprintf(a.out, "> WS ready on ws://%s:%d\n", a.cfg.Host, a.cfg.WSPort)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down gracefully...")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("web server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Web server shutdown error")
	}
	if err := delegate.Close(); err != nil {
		logger.WithError(err).Warn("Streaming server shutdown error")
	}
	logger.Info("Shutdown complete")
	return runErr
}

// start initializes the delegate and binds the web port concurrently; neither
// waits for the other. On any failure whatever did start is released.
func (a *App) start(ctx context.Context, delegate Delegate) (net.Listener, error) {
	var (
		wg      sync.WaitGroup
		initErr error
		bindErr error
		ln      net.Listener
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := delegate.Init(ctx); err != nil {
			initErr = fmt.Errorf("failed to initialize streaming server: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.WebPort))
		if err != nil {
			bindErr = fmt.Errorf("failed to bind web server on port %d: %w", a.cfg.WebPort, err)
		}
	}()
	wg.Wait()

	if initErr == nil && bindErr == nil {
		return ln, nil
	}
	if ln != nil {
		ln.Close()
	}
	if err := delegate.Close(); err != nil {
		logger.WithError(err).Warn("Failed to release streaming server")
	}
	return nil, errors.Join(initErr, bindErr)
}
