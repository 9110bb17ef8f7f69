package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/metering-proxy/internal/auth"
	"github.com/nulpointcorp/metering-proxy/internal/balance"
	"github.com/nulpointcorp/metering-proxy/internal/billing"
	"github.com/nulpointcorp/metering-proxy/internal/logger"
	"github.com/nulpointcorp/metering-proxy/internal/metrics"
	"github.com/nulpointcorp/metering-proxy/internal/proxy"
)

// initServices builds the token verifier, balance cache, usage reporter,
// metrics registry, and async request logger.
func (a *App) initServices(ctx context.Context) error {
	a.verifier = auth.New(a.cfg.JWTSecret)

	a.balance = balance.New(
		a.baseCtx, a.cfg.DomesticAPIURL,
		a.cfg.Balance.FreshTTL, a.cfg.Balance.StaleTTL, a.cfg.Balance.JanitorInterval,
		a.log,
	)

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.reporter = billing.New(
		a.baseCtx, a.cfg.DomesticAPIURL,
		a.cfg.Retry.MaxQueued, a.cfg.Retry.MaxRetries,
		a.cfg.Retry.BaseBackoff, a.cfg.Retry.ScanInterval,
		a.balance.Invalidate, a.log,
		billing.WithMetrics(a.prom),
	)

	reqLog, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLog = reqLog

	return nil
}

// initGateway wires the circuit breaker, health checker, and proxy Gateway
// together, then exposes the Prometheus metrics handler.
func (a *App) initGateway(_ context.Context) error {
	a.breaker = proxy.NewCircuitBreaker()

	a.health = proxy.NewHealthChecker(a.baseCtx, a.balance.Alive, a.reporter.Alive, a.breaker)

	gw := proxy.NewGatewayWithOptions(a.verifier, a.balance, a.reporter, a.cfg.AnthropicAPIKey, proxy.GatewayOptions{
		Logger:      a.log,
		Breaker:     a.breaker,
		Metrics:     a.prom,
		ReqLogger:   a.reqLog,
		CORSOrigins: a.cfg.CORSOrigins,
		Health:      a.health,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	a.log.Info("gateway initialised", slog.String("billing_base_url", a.cfg.DomesticAPIURL))

	return nil
}
