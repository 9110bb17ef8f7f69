// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initServices — verifier, balance cache, usage reporter, metrics
//  2. initGateway  — circuit breaker, health checker, proxy Gateway, routes
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/metering-proxy/internal/auth"
	"github.com/nulpointcorp/metering-proxy/internal/balance"
	"github.com/nulpointcorp/metering-proxy/internal/billing"
	"github.com/nulpointcorp/metering-proxy/internal/config"
	"github.com/nulpointcorp/metering-proxy/internal/logger"
	"github.com/nulpointcorp/metering-proxy/internal/metrics"
	"github.com/nulpointcorp/metering-proxy/internal/proxy"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	verifier *auth.Verifier
	balance  *balance.Cache
	reporter *billing.Reporter
	reqLog   *logger.Logger
	prom     *metrics.Registry
	breaker  *proxy.CircuitBreaker
	health   *proxy.HealthChecker

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting metering proxy",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("upstream", "https://api.anthropic.com/v1/messages"),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times in sequence; concurrent calls are not synchronised with each other.
func (a *App) Close() {
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	if a.reqLog != nil {
		if err := a.reqLog.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLog = nil
	}
	if a.reporter != nil {
		a.reporter.Close()
		a.reporter = nil
	}
	if a.balance != nil {
		a.balance.Close()
		a.balance = nil
	}
}
