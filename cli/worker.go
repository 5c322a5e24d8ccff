package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"hive.evalgo.org/artifact"
	"hive.evalgo.org/cache"
	"hive.evalgo.org/common"
	"hive.evalgo.org/config"
	"hive.evalgo.org/notify"
	"hive.evalgo.org/otel"
	"hive.evalgo.org/pipeline"
	"hive.evalgo.org/source"
	"hive.evalgo.org/version"
	"hive.evalgo.org/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Worker process management",
}

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start an ingestion worker",
	Long: `Start a worker process: attach to the run matching the configuration
fingerprint (creating and seeding it if this worker is first), then claim and
process documents until the run finishes. SIGINT and SIGTERM stop the worker
gracefully; in-flight claims are reclaimed by the surviving workers.`,
	Args: cobra.NoArgs,
	RunE: runWorkerStart,
}

func init() {
	workerCmd.AddCommand(workerStartCmd)
	RootCmd.AddCommand(workerCmd)
}

func runWorkerStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger := common.Logger
	common.ConfigureLogger(logger, cfg.Logging.Level, cfg.Logging.Format)

	provider := otel.Init("hive-worker", version.Short())
	defer provider.Shutdown(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := connectStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.DB().Close()

	if err := store.CreateTables(ctx); err != nil {
		return fmt.Errorf("failed to create coordination schema: %w", err)
	}

	sources, err := source.BuildAll(cfg.Sources)
	if err != nil {
		return fmt.Errorf("failed to build content sources: %w", err)
	}

	pl, err := pipeline.NewPipeline(cfg.Pipeline.Name)
	if err != nil {
		return err
	}
	var detector pipeline.RelationshipDetector = pipeline.NoopDetector{}
	if cfg.Pipeline.DetectRelationships {
		detector, err = pipeline.NewDetector(cfg.Pipeline.Detector)
		if err != nil {
			return err
		}
	}

	var artifacts artifact.Store = artifact.NopStore{}
	if cfg.Artifacts.URL != "" {
		pg, err := artifact.NewPostgresStore(cfg.Artifacts.URL)
		if err != nil {
			return fmt.Errorf("failed to connect artifact store: %w", err)
		}
		artifacts = pg
	}
	defer artifacts.Close()

	// Events are best-effort: a dead broker degrades to silence, it never
	// stops ingestion.
	var events notify.Publisher = notify.NopPublisher{}
	if cfg.Events.URL != "" {
		pub, err := notify.NewRabbitPublisher(cfg.Events.URL, cfg.Events.Queue)
		if err != nil {
			logger.WithError(err).Warn("Event publishing disabled, RabbitMQ unreachable")
		} else {
			events = pub
		}
	}
	defer events.Close()

	var docCache *cache.Cache
	if cfg.Cache.Path != "" {
		cachePath, err := homedir.Expand(cfg.Cache.Path)
		if err != nil {
			cachePath = cfg.Cache.Path
		}
		docCache, err = cache.Open(cachePath)
		if err != nil {
			logger.WithError(err).Warn("Document cache disabled")
			docCache = nil
		} else {
			defer docCache.Close()
		}
	}

	w := worker.New(worker.Options{
		Config:    cfg,
		Store:     store,
		Sources:   sources,
		Pipeline:  pl,
		Detector:  detector,
		Artifacts: artifacts,
		Events:    events,
		Cache:     docCache,
		Logger:    logrus.NewEntry(logger),
	})

	logger.WithFields(logrus.Fields{
		"worker_id": w.ID(),
		"pipeline":  cfg.Pipeline.Name,
		"sources":   len(cfg.Sources),
		"version":   version.Short(),
	}).Info("Starting HIVE worker")

	return w.Run(ctx)
}
