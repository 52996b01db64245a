package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/services/possync/config"
	"example.com/backstage/services/possync/internal/database"
	"example.com/backstage/services/possync/internal/jobs"
	"example.com/backstage/services/possync/internal/messaging"
	"example.com/backstage/services/possync/internal/metrics"
	"example.com/backstage/services/possync/internal/provider"
	"example.com/backstage/services/possync/internal/scheduler"
	"example.com/backstage/services/possync/internal/search"
	"example.com/backstage/services/possync/internal/services"
	"example.com/backstage/services/possync/internal/tracing"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker that processes queued import jobs and runs the scheduled sync`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}
	if err := cfg.ValidateProvider(); err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

	// Initialize database connections
	db, readOnlyDB, err := database.Connect(cfg.DB)
	if err != nil {
		return err
	}

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}

	// Initialize Elasticsearch client
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search indexing")
	}

	// Initialize metrics
	collector := metrics.NewMetrics()

	// Initialize the provider client and importer
	providerClient := provider.NewClient(cfg.Provider)
	importer := services.NewSalesImporter(db, readOnlyDB, providerClient, elasticClient, collector, tracer)

	// Initialize the job-finished notifier
	var notifier jobs.JobNotifier
	if cfg.Azure.QueueConnStr != "" {
		publisher, err := messaging.NewServiceBusPublisher(cfg.Azure)
		if err != nil {
			return err
		}
		defer publisher.Close()
		notifier = publisher
	} else {
		log.Warn().Msg("No Service Bus connection configured, job notifications disabled")
	}

	jobStore := jobs.NewStore(db, importer, notifier)

	// Start the manual-queue polling worker
	worker := jobs.NewWorker(jobStore, cfg.Sync.PollInterval)
	g.Go(func() error {
		return worker.Run(ctx)
	})

	// Start the scheduled sync under its advisory lock
	syncRunner := scheduler.NewRunner(db, importer, cfg.Sync, collector, tracer)
	g.Go(func() error {
		log.Info().Dur("interval", cfg.Sync.RunInterval).Msg("Starting scheduled sync")

		cronScheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = cronScheduler.NewJob(
			gocron.DurationJob(cfg.Sync.RunInterval),
			gocron.NewTask(func() {
				outcome, err := syncRunner.RunScheduledSync(ctx)
				if err != nil {
					log.Error().Err(err).Msg("Scheduled sync failed")
					return
				}
				if outcome.Skipped {
					log.Info().Msg("Scheduled sync skipped")
				}
			}),
		)
		if err != nil {
			return err
		}

		cronScheduler.Start()

		// Wait for context cancellation
		<-ctx.Done()

		return cronScheduler.Shutdown()
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
