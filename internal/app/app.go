package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"subgraph-lag-monitor/internal/alerting"
	"subgraph-lag-monitor/internal/collector"
	"subgraph-lag-monitor/internal/config"
	"subgraph-lag-monitor/internal/fetcher"
	"subgraph-lag-monitor/internal/history"
	"subgraph-lag-monitor/internal/httpapi"
	"subgraph-lag-monitor/internal/metrics"
	"subgraph-lag-monitor/internal/scheduler"
	"subgraph-lag-monitor/internal/service"
	"subgraph-lag-monitor/internal/storage"
	"subgraph-lag-monitor/internal/telemetry"
	"subgraph-lag-monitor/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Stdout io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Stdout: os.Stdout}
}

func (a *App) newGraph() *fetcher.Graph {
	userAgent := a.Config.Graph.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	return fetcher.NewGraph(fetcher.GraphOptions{
		GatewayURL:         a.Config.Graph.GatewayURL,
		NetworkSubgraphURL: a.Config.Graph.NetworkSubgraphURL,
		Keys: fetcher.APIKeys{
			Primary:   a.Config.Graph.APIKeyPrimary,
			Secondary: a.Config.Graph.APIKeySecondary,
		},
		Timeout:   a.Config.Graph.RequestTimeout,
		UserAgent: userAgent,
	}, a.Logger)
}

func (a *App) newHeads() *fetcher.HeadRegistry {
	heads := make(map[string]fetcher.HeadFetcher, len(a.Config.Chains))
	for chain, cfg := range a.Config.Chains {
		heads[chain] = fetcher.NewHead(fetcher.HeadOptions{
			Chain:   chain,
			RPCURL:  cfg.RPCURL,
			Timeout: a.Config.Collector.RPCTimeout,
		}, a.Logger)
	}
	return fetcher.NewHeadRegistry(heads)
}

func (a *App) groups(graph *fetcher.Graph) []service.Group {
	groups := make([]service.Group, 0, len(a.Config.Groups))
	for _, cfg := range a.Config.Groups {
		group := collector.Group{
			Name:  cfg.Name,
			Chain: strings.ToLower(strings.TrimSpace(cfg.Chain)),
		}
		if cfg.Gateway != nil {
			group.Gateway = &collector.GatewayTarget{
				Endpoint:     graph.SubgraphURL(cfg.Gateway.SubgraphID),
				DeploymentID: cfg.Gateway.DeploymentID,
			}
		}
		if url := strings.TrimSpace(cfg.FallbackURL); url != "" {
			group.Fallback = &collector.FallbackTarget{Endpoint: url}
		}
		groups = append(groups, service.Group{Group: group, AlertThreshold: cfg.AlertThreshold})
	}
	return groups
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// openHistory returns the configured durable history store.
func (a *App) openHistory(ctx context.Context) (history.ReadStore, func(), error) {
	switch a.Config.History.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     a.Config.Redis.Addr,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		store := history.NewRedisStore(client, history.RedisStoreConfig{Key: a.Config.Redis.Key})
		return store, func() { _ = store.Close() }, nil
	default:
		return history.NewFileStore(a.Config.History.Path), nil, nil
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func (a *App) setupTelemetry() (telemetry.Runtime, error) {
	return telemetry.Setup(telemetry.Config{
		Enabled:     a.Config.Telemetry.Enabled,
		ServiceName: a.Config.Telemetry.ServiceName,
		TraceMode:   a.Config.Telemetry.TraceMode,
		SampleRatio: a.Config.Telemetry.SampleRatio,
	})
}

// runtime holds everything a collecting process needs.
type runtime struct {
	history  history.ReadStore
	service  *service.Service
	recorder *metrics.Recorder
	closers  []func()
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (a *App) newRuntime(ctx context.Context, sched *scheduler.Scheduler) (*runtime, error) {
	rt := &runtime{recorder: metrics.NewRecorder()}

	store, closeHistory, err := a.openHistory(ctx)
	if err != nil {
		return nil, err
	}
	rt.history = store
	if closeHistory != nil {
		rt.closers = append(rt.closers, closeHistory)
	}

	mirror, closeMirror, err := a.openStore(ctx)
	if err != nil {
		rt.close()
		return nil, err
	}
	if mirror == nil {
		a.Logger.Info().Msg("database.dsn not configured; postgres mirror disabled")
	} else {
		rt.closers = append(rt.closers, closeMirror)
	}

	graph := a.newGraph()
	heads := a.newHeads()
	rt.closers = append(rt.closers, heads.Close)

	builder := collector.NewBuilder(
		collector.NewSource(graph, a.Logger),
		collector.NewResolver(graph, a.Logger),
		heads,
		collector.BuilderOptions{
			Concurrency: a.Config.Collector.Concurrency,
			IndexerURL:  graph.IndexerURL,
		},
		a.Logger,
	)

	opts := service.Options{
		MaxEntries: a.Config.History.MaxEntries,
		Metrics:    rt.recorder,
		Notifier:   a.newNotifier(),
	}
	if mirror != nil {
		opts.Mirror = mirror
	}

	rt.service = service.New(sched, store, builder, a.groups(graph), opts, a.Logger)
	return rt, nil
}

// RunOptions configure the run command.
type RunOptions struct {
	Once bool
}

// Run executes one tick (Once) or the long-running collector with its HTTP API.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tel, err := a.setupTelemetry()
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	if opts.Once {
		return a.runOnce(ctx)
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
	}, a.Logger)

	rt, err := a.newRuntime(ctx, sched)
	if err != nil {
		return err
	}
	defer rt.close()

	var server *http.Server
	var serverErrCh chan error
	if a.Config.Server.Enabled {
		server = &http.Server{
			Addr:              a.Config.Server.Addr(),
			Handler:           httpapi.NewHandler(rt.history, httpapi.Options{Metrics: rt.recorder.Handler()}, a.Logger),
			ReadHeaderTimeout: a.Config.Server.ReadTimeout,
		}
		serverErrCh = make(chan error, 1)
		go func() {
			a.Logger.Info().Str("addr", server.Addr).Msg("http server starting")
			if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				serverErrCh <- serveErr
			}
			close(serverErrCh)
		}()
	}

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- rt.service.Run(ctx)
	}()

	a.Logger.Info().Int("groups", len(a.Config.Groups)).Msg("starting lag collector")

	var result error
	select {
	case <-ctx.Done():
	case serveErr := <-serverErrCh:
		if serveErr != nil {
			result = fmt.Errorf("http server failed: %w", serveErr)
		}
		cancel()
	}

	if runErr := <-runErrCh; runErr != nil && !errors.Is(runErr, context.Canceled) && result == nil {
		a.Logger.Error().Err(runErr).Msg("collector terminated with error")
		result = runErr
	}

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil && result == nil {
			result = fmt.Errorf("http server shutdown: %w", err)
		}
	}

	a.Logger.Info().Msg("lag collector stopped")
	return result
}

func (a *App) runOnce(ctx context.Context) error {
	rt, err := a.newRuntime(ctx, nil)
	if err != nil {
		return err
	}
	defer rt.close()

	report, err := rt.service.RunTick(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("status", string(report.Status)).
		Int64("timestamp", report.Timestamp).
		Int("points", report.Points).
		Strs("failed_groups", report.Failed).
		Dur("duration", report.Duration).
		Msg("single tick complete")
	return nil
}

// ExportOptions hold parameters for exporting stored history.
type ExportOptions struct {
	Group     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Group string
}

// PruneOptions configure the retention command.
type PruneOptions struct {
	OlderThan time.Duration
	DryRun    bool
}
