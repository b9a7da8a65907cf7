package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/openlistings/reso-etl/internal/alert"
	"github.com/openlistings/reso-etl/internal/archive"
	"github.com/openlistings/reso-etl/internal/config"
	"github.com/openlistings/reso-etl/internal/etl"
	"github.com/openlistings/reso-etl/internal/logging"
	"github.com/openlistings/reso-etl/internal/metrics"
	"github.com/openlistings/reso-etl/internal/odata"
	"github.com/openlistings/reso-etl/internal/store"
	"github.com/openlistings/reso-etl/internal/syncer"
	"github.com/openlistings/reso-etl/internal/transform"
)

// Set at build time via -ldflags.
var (
	Version = "dev"
	GitSHA  = "unknown"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file (optional, env vars override)")
		mode       = flag.String("mode", "sync", "run mode: sync | full | daemon | status")
		types      = flag.String("types", "", "comma-separated data types to sync (default: from config)")
		dryRun     = flag.Bool("dry-run", false, "use a local file store instead of the database")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := logging.Component("main")
	log.Info("reso-etl starting", "version", Version, "sha", GitSHA, "mode", *mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if cfg.Metrics.Enabled {
		metrics.Init("reso_etl")
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Addr); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	st, err := openStore(ctx, cfg, *dryRun)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if *mode == "status" {
		if err := printStatus(ctx, st); err != nil {
			log.Error("status failed", "error", err)
			os.Exit(1)
		}
		return
	}

	dataTypes, err := resolveDataTypes(*types, cfg.ETL.DataTypes)
	if err != nil {
		log.Error("invalid data types", "error", err)
		os.Exit(1)
	}

	client := odata.NewClient(odata.Config{
		BaseURL:      cfg.API.BaseURL,
		TokenURL:     cfg.API.TokenURL,
		ClientID:     cfg.API.ClientID,
		ClientSecret: cfg.API.ClientSecret,
		Timeout:      cfg.API.Timeout,
		MaxRetries:   cfg.API.MaxRetries,
		RetryBase:    cfg.API.RetryBase,
		RateLimit:    cfg.API.RateLimit,
		RateBurst:    cfg.API.RateBurst,
	})

	coordinator := syncer.NewCoordinator(client, st, syncer.Config{
		IncrementalField: cfg.ETL.IncrementalField,
		PageSize:         cfg.ETL.PageSize,
		MaxPages:         cfg.ETL.MaxPages,
		MaxWatermarkAge:  cfg.ETL.MaxWatermarkAge,
	})

	archiver, err := openArchiver(ctx, cfg)
	if err != nil {
		log.Error("failed to open archive", "error", err)
		os.Exit(1)
	}
	defer archiver.Close()

	alerts := buildAlertManager(cfg, log)

	runner := etl.NewRunner(coordinator, transform.NewTransformer(), st, archiver, alerts, client.Quota(), etl.Options{
		DataTypes:      dataTypes,
		FullSync:       *mode == "full",
		PageSize:       cfg.ETL.PageSize,
		QuotaThreshold: cfg.ETL.QuotaThreshold,
	})

	runOnce := func(ctx context.Context) (*etl.RunResult, error) {
		lock := etl.NewLock(cfg.ETL.LockFile)
		if err := lock.Acquire(); err != nil {
			return nil, err
		}
		defer lock.Release()
		return runner.Run(ctx)
	}

	switch *mode {
	case "sync", "full":
		result, err := etl.RunWithRetry(ctx, cfg.ETL.RunRetries, cfg.ETL.RunRetryBase, runOnce)
		if err != nil {
			log.Error("sync failed", "error", err)
			os.Exit(1)
		}
		log.Info("sync finished",
			"run_id", result.RunID,
			"status", result.Status,
			"records", result.RecordsProcessed,
			"duration", result.Duration.String(),
		)

	case "daemon":
		schedule := cfg.ETL.Schedule
		if schedule == "" {
			schedule = "0 * * * *"
		}
		scheduler := etl.NewScheduler(schedule)
		err := scheduler.Start(ctx, func(ctx context.Context) error {
			_, err := etl.RunWithRetry(ctx, cfg.ETL.RunRetries, cfg.ETL.RunRetryBase, runOnce)
			return err
		})
		if err != nil {
			log.Error("scheduler failed", "error", err)
			os.Exit(1)
		}

	default:
		log.Error("unknown mode", "mode", *mode)
		os.Exit(1)
	}

	log.Info("reso-etl stopped")
	time.Sleep(100 * time.Millisecond)
}

func openStore(ctx context.Context, cfg config.Config, dryRun bool) (store.Store, error) {
	if dryRun || cfg.Database.DSN == "" {
		return store.NewFileStore("./reso-etl-state.json")
	}
	return store.NewPostgresStore(ctx, store.Config{
		DSN:          cfg.Database.DSN,
		MaxConns:     int32(cfg.Database.MaxConns),
		TrackUpserts: cfg.Database.TrackUpserts,
	})
}

func openArchiver(ctx context.Context, cfg config.Config) (archive.Archiver, error) {
	if !cfg.Archive.Enabled {
		return archive.Noop{}, nil
	}
	return archive.NewBlobArchiver(ctx, archive.Config{
		Backend:   cfg.Archive.Backend,
		LocalDir:  cfg.Archive.LocalDir,
		Bucket:    cfg.Archive.Bucket,
		Endpoint:  cfg.Archive.Endpoint,
		Region:    cfg.Archive.Region,
		Prefix:    cfg.Archive.Prefix,
		Snapshots: cfg.Archive.Snapshots,
	})
}

func buildAlertManager(cfg config.Config, log *slog.Logger) *alert.Manager {
	alerts := alert.NewManager()
	if cfg.Alert.Suppression > 0 {
		alerts.SetSuppression(cfg.Alert.Suppression)
	}
	if !cfg.Alert.Enabled {
		return alerts
	}
	if cfg.Alert.WebhookURL != "" {
		alerts.AddSink(alert.NewWebhookSink(cfg.Alert.WebhookURL, nil))
	}
	if cfg.Alert.BackupDir != "" {
		sink, err := alert.NewFileSink(cfg.Alert.BackupDir)
		if err != nil {
			log.Warn("file alert sink unavailable", "error", err)
		} else {
			alerts.AddSink(sink)
		}
	}
	return alerts
}

func resolveDataTypes(flagValue string, configured []string) ([]syncer.DataType, error) {
	names := configured
	if flagValue != "" {
		names = strings.Split(flagValue, ",")
	}
	dataTypes := make([]syncer.DataType, 0, len(names))
	for _, name := range names {
		dt, err := syncer.ParseDataType(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		dataTypes = append(dataTypes, dt)
	}
	return dataTypes, nil
}

func printStatus(ctx context.Context, st store.Store) error {
	runs, err := st.SyncHistory(ctx, 10)
	if err != nil {
		return err
	}
	count, err := st.RecordCount(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("stored listings: %d\n\n", count)
	if len(runs) == 0 {
		fmt.Println("no sync runs recorded")
		return nil
	}
	fmt.Println("recent sync runs:")
	for _, run := range runs {
		watermark := "-"
		if run.LastSyncTimestamp != nil {
			watermark = run.LastSyncTimestamp.Format(time.RFC3339)
		}
		fmt.Printf("  #%d  %-8s  started=%s  processed=%d  inserted=%d  updated=%d  api_calls=%d  watermark=%s\n",
			run.ID, run.Status,
			run.SyncStart.Format(time.RFC3339),
			run.RecordsProcessed, run.RecordsInserted, run.RecordsUpdated,
			run.APICallsMade, watermark)
	}
	return nil
}
