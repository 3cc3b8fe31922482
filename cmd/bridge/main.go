package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"pbx-bridge-go/internal/api"
	"pbx-bridge-go/internal/config"
	"pbx-bridge-go/internal/credentials"
	"pbx-bridge-go/internal/forwarder"
	"pbx-bridge-go/internal/logger"
	"pbx-bridge-go/internal/pipeline"
	"pbx-bridge-go/internal/recorder"
	"pbx-bridge-go/internal/report"
	"pbx-bridge-go/internal/transcription"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bridge",
		Short: "PBX call recording transcription bridge",
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var port string
	var async bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook bridge server",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load() // loads .env when present

			cfg := config.FromEnv()
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("async") {
				cfg.AsyncProcessing = async
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log := logger.New().WithField("service", cfg.ServiceName)
			log.WithField("version", cfg.Version).Info("starting service")
			for dep, ready := range cfg.Readiness() {
				log.WithField(dep, ready).Info("dependency readiness")
			}

			creds := credentials.NewManager(credentials.Options{
				TokenURL:        strings.TrimRight(cfg.PBXBaseURL, "/") + cfg.TokenPath,
				Username:        cfg.PBXUsername,
				Password:        cfg.PBXPassword,
				Mode:            cfg.TokenMode,
				RefreshInterval: cfg.RefreshInterval,
				FailureCeiling:  cfg.RefreshCeiling,
				BackoffBase:     cfg.RefreshBackoffBase,
				BackoffCap:      cfg.RefreshBackoffCap,
			})
			defer creds.Stop()

			retriever := recorder.New(recorder.Options{
				BaseURL:         cfg.PBXBaseURL,
				ResolvePath:     cfg.ResolvePath,
				DownloadPath:    cfg.DownloadPath,
				ResolveTimeout:  cfg.ResolveTimeout,
				DownloadTimeout: cfg.DownloadTimeout,
				MinBytes:        cfg.MinAudioBytes,
			}, creds)

			transcriber := transcription.New(transcription.Options{
				Endpoint: cfg.TranscribeURL,
				APIKey:   cfg.TranscribeAPIKey,
				Model:    cfg.TranscribeModel,
				Language: cfg.TranscribeLanguage,
				Timeout:  cfg.TranscribeTimeout,
			})

			deliverer := forwarder.New(forwarder.Options{
				URL:     cfg.ForwardURL,
				Timeout: cfg.ForwardTimeout,
			})

			reports := report.NewLog(500)
			pipe := pipeline.New(cfg, retriever, transcriber, deliverer, reports)

			// warm the cached token in the background; the refresh schedule
			// chains from the first success
			if cfg.TokenMode == config.TokenModeCached && cfg.Readiness()["pbx_credentials_configured"] {
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					if err := creds.Refresh(ctx, false); err != nil {
						log.WithError(err).Warn("initial token refresh failed")
					}
				}()
			}

			return api.NewServer(cfg, pipe, creds, reports).Start()
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "8080", "HTTP listen port")
	cmd.Flags().BoolVar(&async, "async", false, "respond before transcription and forwarding complete")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the service version",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.FromEnv()
			fmt.Printf("%s %s\n", cfg.ServiceName, cfg.Version)
		},
	}
}
