package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/onramp/internal/domain"
	"github.com/alanyoungcy/onramp/internal/server"
	"github.com/alanyoungcy/onramp/internal/server/handler"
	"github.com/alanyoungcy/onramp/internal/server/ws"
	"github.com/alanyoungcy/onramp/internal/service"
)

// services holds the pipeline built on top of Dependencies. Fields are nil
// when the mode lacks what they need.
type services struct {
	orchestrator *service.Orchestrator
	ingress      *service.Ingress
	refunds      *service.RefundService
	archive      *service.ArchiveJob
}

func (a *App) buildServices(deps *Dependencies) services {
	var svc services

	if deps.Chain != nil {
		svc.orchestrator = service.NewOrchestrator(
			deps.Positions, deps.Chain, deps.Bus, deps.Notifier,
			service.OrchestratorConfig{
				Chain:        a.cfg.Chain.Name,
				Asset:        a.cfg.Chain.AssetSymbol,
				GasAmountWei: a.cfg.GasFundingWei(),
				Strategies:   a.cfg.StrategyAllocations(),
				MaxAttempts:  a.cfg.Chain.MaxAttempts,
			},
			a.logger,
		)

		var limiter domain.RateLimiter
		if a.cfg.RateLimit.Enabled {
			limiter = deps.Limiter
		}
		svc.ingress = service.NewIngress(
			deps.Guard, limiter, deps.Positions, svc.orchestrator,
			service.IngressConfig{
				ClaimTTL:        a.cfg.Webhook.ClaimTTL.Duration,
				DefaultStrategy: domain.StrategyType(a.cfg.DefaultStrategy),
				WalletLimit:     a.cfg.RateLimit.WalletLimit,
				WalletWindow:    a.cfg.RateLimit.WalletWindow.Duration,
			},
			a.logger,
		)

		svc.refunds = service.NewRefundService(
			deps.Positions, deps.Chain, deps.Markers, deps.Notifier,
			service.RefundConfig{
				SinkAddress: a.cfg.Refund.SinkAddress,
				BatchSize:   a.cfg.Refund.BatchSize,
				MarkerTTL:   a.cfg.Refund.MarkerTTL.Duration,
			},
			a.logger,
		)
	}

	if deps.Archiver != nil {
		svc.archive = service.NewArchiveJob(deps.Archiver, deps.Locks, a.cfg.Archive.RetentionDays, a.logger)
	}
	return svc
}

// ServerMode serves the webhook, refund automation, read API and position
// feed until ctx is cancelled.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, a.buildServices(deps))
	return g.Wait()
}

// RefundMode runs one refund sweep and exits.
func (a *App) RefundMode(ctx context.Context, deps *Dependencies) error {
	svc := a.buildServices(deps)
	if svc.refunds == nil {
		return errors.New("app: refund mode requires a chain executor")
	}
	return a.runRefunds(ctx, svc.refunds)
}

// ArchiveMode archives one day of terminal Positions and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	svc := a.buildServices(deps)
	if svc.archive == nil {
		return errors.New("app: archive mode requires archive.enabled")
	}
	return svc.archive.Run(ctx)
}

// FullMode runs the server together with the refund and archive schedules.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	svc := a.buildServices(deps)
	g, ctx := errgroup.WithContext(ctx)

	if err := a.startScheduler(ctx, g, svc); err != nil {
		return err
	}
	a.startHTTPServer(ctx, g, deps, svc)

	return g.Wait()
}

func (a *App) runRefunds(ctx context.Context, refunds *service.RefundService) error {
	report, err := refunds.Scan(ctx)
	if err != nil {
		return fmt.Errorf("app: refund sweep: %w", err)
	}
	a.logger.InfoContext(ctx, "refund sweep finished",
		slog.Int("processed", report.Processed),
		slog.Int("successful", report.Successful),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped),
	)
	return nil
}

// startScheduler registers the cron jobs and stops them when ctx ends.
// Overlapping runs of the same job are skipped.
func (a *App) startScheduler(ctx context.Context, g *errgroup.Group, svc services) error {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(a.logger.Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	jobs := 0
	if a.cfg.Refund.Enabled && svc.refunds != nil {
		if _, err := c.AddFunc(a.cfg.Refund.Cron, func() {
			if err := a.runRefunds(ctx, svc.refunds); err != nil {
				a.logger.ErrorContext(ctx, "scheduled refund sweep failed", slog.String("error", err.Error()))
			}
		}); err != nil {
			return fmt.Errorf("app: schedule refunds: %w", err)
		}
		jobs++
	}
	if svc.archive != nil {
		if _, err := c.AddFunc(a.cfg.Archive.Cron, func() {
			if err := svc.archive.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "scheduled archive failed", slog.String("error", err.Error()))
			}
		}); err != nil {
			return fmt.Errorf("app: schedule archive: %w", err)
		}
		jobs++
	}
	if jobs == 0 {
		return nil
	}

	a.logger.InfoContext(ctx, "scheduler started",
		slog.String("refund_cron", a.cfg.Refund.Cron),
		slog.String("archive_cron", a.cfg.Archive.Cron),
		slog.Int("jobs", jobs),
	)
	c.Start()
	g.Go(func() error {
		<-ctx.Done()
		stopped := c.Stop()
		select {
		case <-stopped.Done():
		case <-time.After(a.cfg.Server.ShutdownTimeout.Duration):
			a.logger.Warn("scheduler: jobs still running at shutdown")
		}
		return nil
	})
	return nil
}

// startHTTPServer adds the HTTP server, its graceful shutdown and the
// position feed hub to g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc services) {
	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Positions: handler.NewPositionHandler(deps.Positions, a.logger),
	}
	if svc.ingress != nil {
		handlers.Webhook = handler.NewWebhookHandler(svc.ingress, handler.WebhookConfig{
			SigningKey:      a.cfg.Webhook.SigningKey,
			NotificationURL: a.cfg.Webhook.NotificationURL,
			SignatureHeader: a.cfg.Webhook.SignatureHeader,
			MaxBodyBytes:    a.cfg.Webhook.MaxBodyBytes,
		}, a.logger)
	}
	if svc.refunds != nil {
		handlers.Refund = handler.NewRefundHandler(svc.refunds, a.logger)
	}

	hub := ws.NewHub(deps.Bus, ws.Config{
		Channel:        service.PositionsChannel,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
		StartedAt:      time.Now().UTC(),
	}, a.logger)

	var limiter domain.RateLimiter
	if a.cfg.RateLimit.Enabled {
		limiter = deps.Limiter
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		RefundToken: a.cfg.Refund.BearerToken,
		Limiter:     limiter,
		IPLimit:     a.cfg.RateLimit.IPLimit,
		IPWindow:    a.cfg.RateLimit.IPWindow.Duration,
	}, handlers, hub, a.logger)

	g.Go(func() error {
		return hub.Run(ctx)
	})

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
