package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/shohag/remindrelay/internal/api"
	"github.com/shohag/remindrelay/internal/delivery"
	"github.com/shohag/remindrelay/internal/models"
)

var version = "0.1.0"

func main() {
	// A missing .env is fine, real deployments set the environment directly.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:          "remindrelay",
		Short:        "RemindRelay: scheduled message delivery for Telegram and WhatsApp",
		SilenceUsage: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(scheduleCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(genKeyCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the delivery engine and the operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEngine(*configPath, true)
			if err != nil {
				return err
			}
			defer e.Close()
			log := e.log
			cfg := e.cfg

			pool := delivery.NewPool(cfg.Delivery, e.fetcher, e.dispatcher, log)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			pool.Start(ctx)

			server := api.NewServer(cfg.Server, cfg.Metrics, e.service, e.collector, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Int("workers", cfg.Delivery.Workers).
				Str("storage", cfg.Storage.Driver).
				Dur("poll_interval", cfg.Delivery.PollInterval).
				Msg("RemindRelay is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			// Claimed messages finish before the store closes.
			pool.Stop()
			cancel()

			log.Info().Msg("RemindRelay stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			// newEngine migrates on open.
			e, err := newEngine(*configPath, false)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			defer e.Close()

			e.log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func genKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Generate an operator API key and a WhatsApp gateway signing secret",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("api_key: %s\n", models.NewAPIKey())
			fmt.Printf("whatsapp_secret: %s\n", models.NewSecret())
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("RemindRelay v%s\n", version)
		},
	}
}
