package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ClearPeaks/knime-audit/config"
	"github.com/ClearPeaks/knime-audit/internal/observability/notify/pagerduty"
	"github.com/ClearPeaks/knime-audit/internal/observability/notify/slack"
	"github.com/ClearPeaks/knime-audit/internal/observability/statsd"
	"github.com/ClearPeaks/knime-audit/internal/service/failurenotifier"
)

// shutdownWaitTimeout is how long a background service may take to stop
// beyond its own drain budget.
const shutdownWaitTimeout = 15 * time.Second

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink     *statsd.Client
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
	NotifierConfig  config.ObservabilityNotificationsConfig
}

// Sink returns the metrics sink, or nil when metrics are disabled. A nil
// *statsd.Client must not leak into a statsd.Sink interface value.
//
//nolint:ireturn // callers want the interface.
func (o ObservabilityContainer) Sink() statsd.Sink {
	if o.MetricsSink == nil {
		return nil
	}
	return o.MetricsSink
}

// Close flushes buffered metrics.
func (o ObservabilityContainer) Close() error {
	return o.MetricsSink.Close()
}

// BuildObservability configures metrics and notification adapters.
func BuildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled:       true,
			Address:       cfg.Metrics.StatsdAddress,
			Prefix:        cfg.Metrics.Prefix,
			GlobalTags:    cfg.Metrics.GlobalTags,
			MaxPacketSize: cfg.Metrics.MaxPacketSize,
			FlushInterval: cfg.Metrics.FlushInterval,
			Logger:        obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:     metricsSink,
		MetricsConfig:   cfg.Metrics,
		FailureNotifier: buildFailureNotifier(obsLogger, cfg.Notifications),
		NotifierConfig:  cfg.Notifications,
	}
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{Logger: logger})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:      cfg.Slack.WebhookURL,
			Channel:         cfg.Slack.Channel,
			Username:        cfg.Slack.Username,
			Timeout:         cfg.Timeout,
			RetryLimit:      cfg.RetryLimit,
			BackupURLPrefix: cfg.Slack.BackupURLPrefix,
		})
		if err != nil {
			logger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "slack", Sink: client})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			logger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{Name: "pagerduty", Sink: client})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger:   logger,
		Sinks:    sinks,
		Cooldown: cfg.Cooldown,
	})
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config        *config.AppConfig
	Observability ObservabilityContainer
	DB            *sql.DB
	RedisClient   redis.UniversalClient
	Logger        *slog.Logger
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
	// stopBudget is extra time the service may need after cancellation.
	stopBudget time.Duration
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode       config.ServiceMode
	name       string
	done       <-chan struct{}
	stopBudget time.Duration
}

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

func launchBackground(deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}
	ctx := deps.ctx

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name, "error", errMsg)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	handles := make([]backgroundServiceHandle, 0, len(services))
	for _, svc := range services {
		done := launchBackground(deps, svc)
		if done == nil {
			continue
		}
		handles = append(handles, backgroundServiceHandle{
			mode:       svc.mode,
			name:       svc.name,
			done:       done,
			stopBudget: svc.stopBudget,
		})
	}
	return handles
}

func newPipelineBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode:       config.ServiceModePipeline,
		name:       "pipeline",
		stopBudget: deps.cfg.Config.Processor.DrainTimeout,
		start: func(ctx context.Context) error {
			return RunPipeline(ctx, PipelineConfig{
				Config:      deps.cfg.Config,
				DB:          deps.cfg.DB,
				RedisClient: deps.cfg.RedisClient,
				Logger:      deps.logger,
				Metrics:     deps.cfg.Observability.Sink(),
				Notifier:    deps.cfg.Observability.FailureNotifier,
			})
		},
	}
}

func newOutboxRelayBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeOutboxRelay,
		name: "outbox relay",
		start: func(ctx context.Context) error {
			return RunOutboxRelay(ctx, OutboxRelayConfig{
				DB:          deps.cfg.DB,
				RedisClient: deps.cfg.RedisClient,
				Config:      deps.cfg.Config.OutboxRelay,
				Bus:         deps.cfg.Config.Bus,
				Logger:      deps.logger,
				Metrics:     deps.cfg.Observability.Sink(),
			})
		},
	}
}

func newRetentionBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeRetention,
		name: "retention",
		start: func(ctx context.Context) error {
			return RunRetention(ctx, RetentionConfig{
				DB:      deps.cfg.DB,
				Config:  deps.cfg.Config.Retention,
				Logger:  deps.logger,
				Metrics: deps.cfg.Observability.Sink(),
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	return []backgroundService{
		newPipelineBackgroundService(deps),
		newOutboxRelayBackgroundService(deps),
		newRetentionBackgroundService(deps),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// It blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	}
	backgrounds := startBackgroundServices(deps, buildBackgroundServices(deps))

	return waitForShutdown(shutdownConfig{
		cancel:      cancel,
		errCh:       errCh,
		logger:      logger,
		backgrounds: backgrounds,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	return errorChannelCapacity(enabled) + 1
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	cancel      context.CancelFunc
	errCh       <-chan error
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for a shutdown signal or a service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		cfg.logger.Info("shutting down services...", "signal", sig.String())
		cfg.cancel()
		gracefulStop(cfg)
		return nil
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel()
		gracefulStop(cfg)
		return err
	}
}

// gracefulStop waits for every background service to finish.
func gracefulStop(cfg shutdownConfig) {
	for _, svc := range cfg.backgrounds {
		waitForService(svc, cfg.logger)
	}
}

func waitForService(svc backgroundServiceHandle, logger *slog.Logger) {
	if svc.done == nil {
		return
	}
	timer := time.NewTimer(svc.stopBudget + shutdownWaitTimeout)
	defer timer.Stop()
	select {
	case <-svc.done:
		logger.Info(svc.name + " stopped")
	case <-timer.C:
		logger.Warn("timeout waiting for " + svc.name + " to stop")
	}
}
