package cmd

import (
	"context"
	"io"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"density/config"
	"density/logging"
	"density/manager"
	"density/metrics"
	"density/store"
	"density/task"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

func init() {
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML configuration file")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the REST API",
	Long: `Serve the REST API and run the tasks.

Every setting of the configuration file can be overridden by the
environment: LISTEN, DATA_DIR, AUTH_KEY, CPU, RAM, STORE, REDIS_ADDR,
REDIS_PREFIX, DEFAULT_MAX_EXECUTION_TIME, FLUSH_AFTER, PRUNE_ON_DELETE,
LOG_LEVEL, LOG_FORMAT, LOG_FILE, METRICS_ENDPOINT.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
		if err != nil {
			return err
		}
		defer logger.Sync()
		return serve(cmd.Context(), cfg, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	kv, err := store.Open(cfg.Store, store.Options{
		BoltPath:    filepath.Join(cfg.StoreDir(), "density.db"),
		RedisAddr:   cfg.RedisAddr,
		RedisPrefix: cfg.RedisPrefix,
	})
	if err != nil {
		return err
	}
	if c, ok := kv.(io.Closer); ok {
		defer c.Close()
	}

	provider, err := metrics.NewProvider(ctx, cfg.MetricsEndpoint, 30*time.Second)
	if err != nil {
		return err
	}
	defer provider.Shutdown(context.Background())
	m, err := metrics.New(provider)
	if err != nil {
		return err
	}

	docker, err := task.NewDocker(logger.Named("docker"))
	if err != nil {
		return err
	}

	mgr := manager.New(manager.Config{
		WorkDir:                 cfg.WorkDir(),
		DefaultMaxExecutionTime: cfg.DefaultMaxExecutionTime,
		FlushAfter:              cfg.FlushAfter,
		PruneOnDelete:           cfg.PruneOnDelete,
		CPU:                     cfg.CPU,
		RAM:                     cfg.RAM,
	}, store.NewTaskStore(kv), docker, logger.Named("manager"), m)
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Stop()

	logger.Info("Starting",
		zap.String("version", Version),
		zap.String("store", cfg.Store),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("cpu", cfg.CPU),
		zap.Int("ram", cfg.RAM),
	)
	api := manager.NewApi(cfg.Listen, mgr, []byte(cfg.AuthKey), Version, logger.Named("api"))
	err = api.Start(ctx)
	logger.Info("Bye")
	return err
}
