package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rewired-gh/trendpilot/internal/agent"
	"github.com/rewired-gh/trendpilot/internal/candidates"
	"github.com/rewired-gh/trendpilot/internal/config"
	"github.com/rewired-gh/trendpilot/internal/eventbus"
	"github.com/rewired-gh/trendpilot/internal/executor"
	"github.com/rewired-gh/trendpilot/internal/logger"
	"github.com/rewired-gh/trendpilot/internal/metrics"
	"github.com/rewired-gh/trendpilot/internal/oracle"
	"github.com/rewired-gh/trendpilot/internal/storage"
	"github.com/rewired-gh/trendpilot/internal/telegram"
	"github.com/rewired-gh/trendpilot/internal/trends"
	"github.com/rewired-gh/trendpilot/internal/twitter"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var (
	version    = "dev"
	configPath string
	envFile    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "trendpilot",
		Short: "Trend-following trading agent",
		Long: `trendpilot watches social trends, opens positions in tokens that match
strong trends and manages them with stop-loss and take-profit rules.`,
		SilenceUsage: true,
		RunE:         runAgent,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file with secrets (a .local variant takes precedence)")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(checkCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("trendpilot version %s\n", version)
		},
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(cmd); err != nil {
				return err
			}
			fmt.Printf("Configuration %s is valid\n", configPath)
			return nil
		},
	}
}

// loadEnv loads envFile.local then envFile. godotenv never overrides a set
// variable, so the first file wins. Missing files are skipped.
func loadEnv() error {
	if envFile == "" {
		return nil
	}
	for _, f := range []string{envFile + ".local", envFile} {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// loadConfig falls back to defaults plus environment when the default
// config path is absent. An explicit --config must exist.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := loadEnv(); err != nil {
		return nil, err
	}
	path := configPath
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("trendpilot %s starting", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source := twitter.NewClient(cfg.Twitter.APIURL, cfg.Twitter.Timeout, twitter.ClientConfig{
		BearerToken:    cfg.Twitter.BearerToken,
		WOEID:          cfg.Twitter.WOEID,
		MaxRetries:     cfg.Twitter.MaxRetries,
		RetryDelayBase: cfg.Twitter.RetryDelayBase,
	})
	priceOracle := oracle.NewClient(cfg.Oracle.APIURL, cfg.Oracle.Timeout, oracle.ClientConfig{
		APIKey:          cfg.Oracle.APIKey,
		VsCurrency:      cfg.Oracle.VsCurrency,
		SymbolIDs:       cfg.Oracle.SymbolIDs,
		BreakerFailures: cfg.Oracle.BreakerFailures,
		BreakerTimeout:  cfg.Oracle.BreakerTimeout,
	})
	resolver := candidates.NewResolver(cfg.Candidates.APIURL, cfg.Candidates.Timeout, candidates.ResolverConfig{
		ChainID:            cfg.Candidates.ChainID,
		ReferenceLiquidity: cfg.Candidates.ReferenceLiquidity,
		MaxCandidates:      cfg.Candidates.MaxCandidates,
	})

	a, err := agent.New(cfg.AgentSettings(), agent.Options{
		Source:          source,
		Scorer:          trends.NewVolumeScorer(cfg.Twitter.VolumeCeiling),
		Oracle:          priceOracle,
		Resolver:        resolver,
		Executor:        executor.NewPaper(),
		AutoTrading:     cfg.Agent.AutoTrading,
		ActivityLogSize: cfg.Agent.ActivityLogSize,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	sinks := map[string]agent.Sink{}
	var closers []func() error

	if cfg.Storage.Enabled {
		store, err := storage.New(cfg.Storage.MaxActivities, cfg.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		closers = append(closers, store.Close)
		sinks["journal"] = store
		go rotateJournal(ctx, store, cfg.Storage.RotateInterval)
		logger.Info("Journal at %s", cfg.Storage.DBPath)
	}

	if cfg.Telegram.Enabled {
		tg, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		tg.SetStateFunc(a.State)
		tg.ListenForCommands(ctx)
		sinks["telegram"] = tg
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	if cfg.Redis.Enabled {
		pub, err := eventbus.NewRedisPublisher(eventbus.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Stream:   cfg.Redis.Stream,
			MaxLen:   cfg.Redis.MaxLen,
		})
		if err != nil {
			return err
		}
		closers = append(closers, pub.Close)
		sinks["redis"] = pub
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector()
		sinks["metrics"] = collector
		mux := http.NewServeMux()
		collector.RegisterHandlers(mux)
		metricsServer = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("Serving metrics on %s/metrics", cfg.Metrics.ListenAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed: %v", err)
			}
		}()
	}

	// Sinks run until Shutdown drains their subscription so they see the
	// final events. dispatchCtx cuts them off if draining overruns the
	// shutdown budget.
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()
	var wg sync.WaitGroup
	for name, sink := range sinks {
		sub := a.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sub.Close()
			agent.Dispatch(dispatchCtx, sub, name, sink)
		}()
	}

	state := a.Start(ctx)
	logger.Info("Agent running (auto trading: %t, %d active trends)", state.AutoTrading, len(state.ActiveTrends))

	<-ctx.Done()
	logger.Info("Shutdown signal received, cleaning up...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Agent shutdown incomplete: %v", err)
	}
	sinksDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(sinksDone)
	}()
	select {
	case <-sinksDone:
	case <-shutdownCtx.Done():
		logger.Warn("Sinks did not finish before shutdown timeout, dropping remaining events")
		cancelDispatch()
		<-sinksDone
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to stop metrics server: %v", err)
		}
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error("Failed to close resource: %v", err)
		}
	}

	final := a.State()
	logger.Info("Service stopped: %d open positions, %d trades, P&L %.2f",
		len(final.Positions), final.Performance.TotalTrades, final.Performance.TotalPnL)
	return nil
}

func rotateJournal(ctx context.Context, store *storage.Storage, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Rotate(ctx); err != nil {
				logger.Warn("Failed to rotate journal: %v", err)
			}
		}
	}
}
