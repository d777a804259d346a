package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vankka/downloader/pkg/channel"
	"github.com/vankka/downloader/pkg/config"
	"github.com/vankka/downloader/pkg/github"
	"github.com/vankka/downloader/pkg/notify"
	"github.com/vankka/downloader/pkg/server"
	"github.com/vankka/downloader/pkg/stats"
	"github.com/vankka/downloader/pkg/store"
)

var configPath string
var envFile string
var verbose bool
var port int

// Execute is the entry point to running the downloader.
func Execute(ctx context.Context, version string) {
	rootCmd := &cobra.Command{
		Use:          "downloader",
		Short:        "Mirror GitHub release and workflow build artifacts and serve them over HTTP.",
		Args:         cobra.NoArgs,
		RunE:         newServeAction(ctx),
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.json", "path to the channel configuration file")
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "environment file to read and use as env vars")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on, overrides the configuration")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeAction(ctx context.Context) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
		if envFile != "" {
			if err := godotenv.Load(envFile); err == nil {
				log.Debugf("loaded environment from %s", envFile)
			}
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if port != 0 {
			cfg.Port = port
		}

		st, err := store.New(cfg.StorageDir)
		if err != nil {
			return err
		}

		var recorder stats.Recorder
		if cfg.StatsDB != "" {
			db, err := stats.Open(cfg.StatsDB, log.StandardLogger())
			if err != nil {
				return err
			}
			defer db.Close()
			recorder = db
		}

		var notifier channel.NotifierFactory
		if cfg.DiscordWebhookURL != "" {
			notifier = func(scope string) notify.Notifier {
				return notify.NewDiscord(cfg.DiscordWebhookURL, scope, log.StandardLogger())
			}
		}

		registry := channel.NewRegistry(st, github.New(cfg.GithubToken), notifier, log.StandardLogger())
		registry.Reload(ctx, cfg.Channels)
		go registry.Run(ctx)

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           server.New(registry, recorder, cfg, log.StandardLogger()).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.ListenAndServe()
		}()
		log.Infof("listening on %s", srv.Addr)

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
