package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/feishu-gateway/internal/channel"
	"github.com/memohai/feishu-gateway/internal/channel/adapters/feishu"
	"github.com/memohai/feishu-gateway/internal/channel/inbound"
	"github.com/memohai/feishu-gateway/internal/config"
	"github.com/memohai/feishu-gateway/internal/handlers"
	channelchecker "github.com/memohai/feishu-gateway/internal/healthcheck/checkers/channel"
	"github.com/memohai/feishu-gateway/internal/logger"
	"github.com/memohai/feishu-gateway/internal/metrics"
	"github.com/memohai/feishu-gateway/internal/reply"
	"github.com/memohai/feishu-gateway/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect the configured accounts and serve webhooks, health and metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath(cmd))
			if err != nil {
				return err
			}
			app := newApp(cfg)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func newApp(cfg config.Config) *fx.App {
	return fx.New(
		appOptions(cfg),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	)
}

func appOptions(cfg config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideMetricsRegistry,
			provideMetrics,
			provideFeishuAdapter,
			provideChannelRegistry,
			provideChannelStore,
			provideReplyDispatcher,
			provideInboundProcessor,
			provideChannelManager,
			provideServerHandler(feishu.NewWebhookServerHandler),
			provideServerHandler(handlers.NewChannelServerHandler),
			provideServerHandler(provideHealthHandler),
			provideServerHandler(provideMetricsHandler),
			provideServer,
		),
		fx.Invoke(
			startChannelManager,
			startServer,
		),
	)
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func provideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.MustNew(reg)
}

func provideFeishuAdapter(log *slog.Logger) *feishu.FeishuAdapter {
	return feishu.NewFeishuAdapter(log)
}

func provideChannelRegistry(adapter *feishu.FeishuAdapter) *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(adapter)
	return registry
}

func provideChannelStore(cfg config.Config) *channel.StaticStore {
	return channel.NewStaticStore(feishu.ChannelConfigsFromAccounts(cfg.Feishu.Accounts)...)
}

func provideReplyDispatcher(log *slog.Logger, cfg config.Config) reply.Dispatcher {
	gw := cfg.AgentGateway
	if gw.Mode == config.GatewayModeEcho {
		log.Warn("agent gateway in echo mode; inbound text is replied verbatim")
		return reply.EchoDispatcher{}
	}
	return reply.NewHTTPDispatcher(log, gw.ReplyURL(), gw.Token, gw.Timeout.Duration)
}

func provideInboundProcessor(log *slog.Logger, cfg config.Config, dispatcher reply.Dispatcher, mt *metrics.Metrics) *inbound.Processor {
	return inbound.NewProcessor(log, dispatcher, inbound.PlaceholderOptions{
		Enabled: cfg.Placeholder.Enabled,
		Delay:   cfg.Placeholder.Delay.Duration,
		Text:    cfg.Placeholder.Text,
	}, mt)
}

func provideChannelManager(log *slog.Logger, cfg config.Config, registry *channel.Registry, store *channel.StaticStore, processor *inbound.Processor, mt *metrics.Metrics) (*channel.Manager, error) {
	deduper, err := channel.NewDeduper(cfg.Dedup.Window.Duration, cfg.Dedup.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}
	manager := channel.NewManager(log, registry, store, processor)
	manager.SetInboundLimits(cfg.Inbound.QueueSize, cfg.Inbound.Workers)
	manager.SetMetrics(mt)
	manager.Use(
		channel.DedupMiddleware(deduper, log, mt),
		channel.GroupFilterMiddleware(log, mt),
	)
	return manager, nil
}

func provideHealthHandler(log *slog.Logger, manager *channel.Manager) *handlers.HealthHandler {
	return handlers.NewHealthHandler(log, channelchecker.NewChecker(log, manager))
}

func provideMetricsHandler(reg *prometheus.Registry) *handlers.MetricsHandler {
	return handlers.NewMetricsHandler(reg)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.ServerHandlers...)
}

func startChannelManager(lc fx.Lifecycle, channelManager *channel.Manager) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { channelManager.Start(ctx); return nil },
		OnStop:  func(stopCtx context.Context) error { cancel(); return channelManager.Shutdown(stopCtx) },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			logger.Info("starting feishu gateway",
				slog.String("addr", srv.Addr()),
				slog.Int("accounts", len(cfg.Feishu.Accounts)),
				slog.String("gateway_mode", cfg.AgentGateway.Mode),
			)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
