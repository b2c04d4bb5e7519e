// Package bridge wires the FTL server, its backends and the admin API into
// one process.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"ftlbridge/internal/api"
	"ftlbridge/internal/metrics"
	"ftlbridge/internal/registry"
	"ftlbridge/internal/relay"
	"ftlbridge/internal/service"
	"ftlbridge/pkg/ftl"
)

// Bridge owns every long-lived component of the process.
type Bridge struct {
	cfg    *Config
	logger *slog.Logger

	ftl      *ftl.Server
	hub      *relay.Hub
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	api      *api.Server

	ftlListener  net.Listener
	httpListener net.Listener

	closers []func()
}

// New builds the bridge from cfg. Backends that need a network connection
// (Postgres, Redis) are connected here so misconfiguration fails at startup.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{cfg: cfg, logger: logger}

	ok := false
	defer func() {
		if !ok {
			b.close()
		}
	}()

	controlPlane, err := b.newControlPlane(ctx)
	if err != nil {
		return nil, err
	}
	channels, err := b.newRegistry(ctx)
	if err != nil {
		return nil, err
	}
	ports, err := ftl.NewPortPool(cfg.FTL.MediaPortMin, cfg.FTL.MediaPortMax)
	if err != nil {
		return nil, err
	}

	var forwarder *relay.Forwarder
	if cfg.Relay.ForwardAddress != "" {
		forwarder, err = relay.NewForwarder(cfg.Relay.BindAddress, cfg.Relay.ForwardAddress)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { closeQuietly(forwarder.Close) })
	}
	b.hub = relay.NewHub(forwarder, logger)

	b.registry = prometheus.NewRegistry()
	b.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	b.metrics = metrics.New(b.registry)

	b.ftl, err = ftl.NewServer(cfg.ServerConfig(), ftl.Dependencies{
		ControlPlane: controlPlane,
		Ports:        ports,
		Registry:     channels,
		PacketSink:   b.hub,
		KeyframeSink: b.hub,
		Observer:     b.hub.WrapObserver(b.metrics),
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	b.api = api.New(b.ftl, b.hub, b.registry)

	ok = true
	return b, nil
}

func (b *Bridge) newControlPlane(ctx context.Context) (ftl.ControlPlane, error) {
	cfg := b.cfg.Service
	switch cfg.Kind {
	case "dummy":
		secrets := make(map[ftl.ChannelID]string, len(cfg.Dummy.Secrets))
		for ch, key := range cfg.Dummy.Secrets {
			secrets[ftl.ChannelID(ch)] = key
		}
		return service.NewDummy(service.DummyConfig{
			Secrets:    secrets,
			DefaultKey: cfg.Dummy.DefaultKey,
		}, b.logger), nil

	case "rest":
		return service.NewREST(service.RESTConfig{
			BaseURL:       cfg.REST.BaseURL,
			AuthToken:     cfg.REST.AuthToken,
			Timeout:       cfg.REST.Timeout,
			Attempts:      cfg.REST.Attempts,
			RetryInterval: cfg.REST.RetryInterval,
		}, nil, b.logger)

	case "postgres":
		pg, err := service.NewPostgres(ctx, cfg.Postgres.DSN, b.logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pg.Close)
		if cfg.Postgres.EnsureSchema {
			if err := pg.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
		return pg, nil

	default:
		return nil, fmt.Errorf("unknown service kind %q", cfg.Kind)
	}
}

func (b *Bridge) newRegistry(ctx context.Context) (ftl.ChannelRegistry, error) {
	cfg := b.cfg.Registry
	switch cfg.Kind {
	case "memory":
		return registry.NewMemory(cfg.TTL), nil

	case "redis":
		r, err := registry.NewRedis(ctx, registry.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.Password,
			DB:        cfg.DB,
			KeyPrefix: cfg.KeyPrefix,
			TTL:       cfg.TTL,
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { closeQuietly(r.Close) })
		return r, nil

	default:
		return nil, fmt.Errorf("unknown registry kind %q", cfg.Kind)
	}
}

// Listen opens the FTL and admin listeners. Run calls it if needed.
func (b *Bridge) Listen() error {
	if b.ftlListener == nil {
		addr := net.JoinHostPort(b.cfg.FTL.BindAddress, strconv.Itoa(b.cfg.FTL.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		b.ftlListener = ln
	}
	if b.httpListener == nil && b.cfg.HTTP.Address != "" {
		ln, err := net.Listen("tcp", b.cfg.HTTP.Address)
		if err != nil {
			closeQuietly(b.ftlListener.Close)
			b.ftlListener = nil
			return fmt.Errorf("failed to listen on %s: %w", b.cfg.HTTP.Address, err)
		}
		b.httpListener = ln
	}
	return nil
}

// FTLAddr returns the control listener address once Listen has run.
func (b *Bridge) FTLAddr() net.Addr {
	if b.ftlListener == nil {
		return nil
	}
	return b.ftlListener.Addr()
}

// HTTPAddr returns the admin listener address, or nil when disabled.
func (b *Bridge) HTTPAddr() net.Addr {
	if b.httpListener == nil {
		return nil
	}
	return b.httpListener.Addr()
}

// Server returns the FTL server.
func (b *Bridge) Server() *ftl.Server {
	return b.ftl
}

// Run serves until ctx is cancelled or a component fails, then shuts
// everything down and releases backend connections.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.close()

	if err := b.Listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.ftl.Serve(gctx, b.ftlListener)
	})

	if b.httpListener != nil {
		srv := &http.Server{
			Handler:           b.api.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			b.logger.Info("Admin API listening", "addr", b.httpListener.Addr().String())
			return runHTTP(gctx, srv, b.httpListener, b.cfg.HTTP.ShutdownTimeout)
		})
	}

	err := g.Wait()
	b.logger.Info("Bridge stopped", "err", err)
	return err
}

// runHTTP serves until ctx is cancelled, then shuts down gracefully within timeout.
func runHTTP(ctx context.Context, srv *http.Server, ln net.Listener, timeout time.Duration) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (b *Bridge) close() {
	// 역순으로 정리
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

func closeQuietly(fn func() error) {
	if err := fn(); err != nil {
		slog.Warn("Error closing resource", "err", err)
	}
}
