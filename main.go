package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/camden-git/radsync/config"
	"github.com/camden-git/radsync/handlers"
	"github.com/camden-git/radsync/models"
	"github.com/camden-git/radsync/realtime"
	"github.com/camden-git/radsync/services"
	"github.com/camden-git/radsync/workers"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Info: No .env file found or error loading: %v", err)
	}

	rootCmd := &cobra.Command{
		Use:          "radsync",
		Short:        "Radiology image ingestion and sync server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(seedOrderCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the sync API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap(context.Background(), false)
			if err != nil {
				return err
			}
			defer app.Close()
			// bootstrap already migrated
			app.Logger.Info("schema is up to date", zap.String("driver", app.Cfg.DatabaseDriver))
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Purge settled sessions and stale staged uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			ctx := context.Background()
			app, err := bootstrap(ctx, false)
			if err != nil {
				return err
			}
			defer app.Close()

			sweeper := services.NewSweeper(app.Store, app.Raw, app.Staging, services.SweepConfig{
				SessionRetention: app.Cfg.SessionRetention,
				StagingRetention: app.Cfg.StagingRetention,
			}, app.Logger)
			report, err := sweeper.Run(ctx)
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			fmt.Printf("Sessions purged:     %d\n", report.SessionsPurged)
			fmt.Printf("Staged discarded:    %d\n", report.StagedDiscarded)
			fmt.Printf("Progress reset:      %d\n", report.ProgressReset)
			fmt.Printf("Orphans discarded:   %d\n", report.OrphansDiscarded)
			fmt.Printf("Exhausted failures:  %d\n", len(report.ExhaustedFailures))
			for _, f := range report.ExhaustedFailures {
				code := "-"
				if f.ErrorCode != nil {
					code = *f.ErrorCode
				}
				fmt.Printf("  %-36s %-16s retries=%d %s\n", f.ID, f.OrderRef, f.RetryCount, code)
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print the report as JSON")
	return cmd
}

// seedOrderCmd registers an order locally. Orders normally arrive from the
// RIS; this is for development and manual recovery.
func seedOrderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed-order",
		Short: "Create or update an imaging order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, _ := cmd.Flags().GetString("ref")
			patientID, _ := cmd.Flags().GetString("patient-id")
			patientName, _ := cmd.Flags().GetString("patient-name")
			modality, _ := cmd.Flags().GetString("modality")
			description, _ := cmd.Flags().GetString("description")
			if ref == "" || patientID == "" || patientName == "" {
				return errors.New("--ref, --patient-id and --patient-name are required")
			}

			ctx := context.Background()
			app, err := bootstrap(ctx, false)
			if err != nil {
				return err
			}
			defer app.Close()

			order := &models.ImagingOrder{Ref: ref, PatientID: patientID, PatientName: patientName}
			if modality != "" {
				order.Modality = &modality
			}
			if description != "" {
				order.Description = &description
			}
			if err := app.Store.Orders.Upsert(ctx, order); err != nil {
				return err
			}
			fmt.Printf("Order %s saved.\n", ref)
			return nil
		},
	}
	cmd.Flags().String("ref", "", "Order reference")
	cmd.Flags().String("patient-id", "", "Patient identifier")
	cmd.Flags().String("patient-name", "", "Patient name in DICOM PN form")
	cmd.Flags().String("modality", "", "Expected modality, for example DX or CR")
	cmd.Flags().String("description", "", "Study description")
	return cmd
}

func runServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap(ctx, true)
	if err != nil {
		return err
	}
	defer app.Close()
	cfg := app.Cfg
	logger := app.Logger

	hub := realtime.NewHub(logger, cfg.CORSAllowedOrigins)
	go hub.Run()
	defer hub.Stop()

	previews := workers.NewPreviewProcessor(app.Store, app.Processor, hub, workers.PreviewConfig{
		QueueSize:  cfg.PreviewQueueSize,
		NumWorkers: cfg.NumPreviewWorkers,
		MaxSize:    cfg.PreviewMaxSize,
	}, logger)
	defer previews.Stop()
	if n, err := previews.RequeueUnfinished(ctx); err != nil {
		logger.Warn("failed to requeue unfinished previews", zap.Error(err))
	} else if n > 0 {
		logger.Info("requeued unfinished previews", zap.Int("count", n))
	}

	sessions := services.NewSessionService(app.Store, hub, logger)
	syncSvc := services.NewSyncService(services.SyncDeps{
		Store:    app.Store,
		Media:    app.Media,
		Staging:  app.Staging,
		Locker:   app.Locker,
		Previews: previews,
		Events:   hub,
	}, services.SyncConfig{
		MaxRetries:   cfg.MaxRetries,
		ChunkSize:    cfg.UploadChunkSize,
		MaxImageSize: cfg.MaxImageSize,
	}, logger)
	viewer, err := services.NewViewerService(app.Store, app.Media, services.ViewerConfig{
		Secret:  []byte(cfg.URLSigningSecret),
		TTL:     cfg.ViewerURLTTL,
		BaseURL: cfg.PublicBaseURL,
	}, logger)
	if err != nil {
		return err
	}

	router := handlers.NewRouter(handlers.RouterDeps{
		Sync:        syncSvc,
		Sessions:    sessions,
		Stats:       services.NewStatsService(app.Raw),
		Viewer:      viewer,
		Events:      hub.ServeWS,
		DB:          app.DB,
		Logger:      logger,
		CORSOrigins: cfg.CORSAllowedOrigins,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// binary uploads stream for as long as the link holds
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", server.Addr),
			zap.String("storage", string(cfg.StorageBackend)),
			zap.String("database", cfg.DatabaseDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
		return err
	}
	return nil
}

func loadConfig() (config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
