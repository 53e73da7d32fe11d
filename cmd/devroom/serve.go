package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/devroom/internal/ai"
	"github.com/ehrlich-b/devroom/internal/config"
	"github.com/ehrlich-b/devroom/internal/logger"
	"github.com/ehrlich-b/devroom/internal/relay"
)

func serveCmd() *cobra.Command {
	var addrFlag string
	var configFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the devroom server (REST API and project rooms)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFlag == "" {
				configFlag = os.Getenv("DEVROOM_CONFIG")
			}
			cfg, err := config.Load(configFlag)
			if err != nil {
				return err
			}
			if addrFlag != "" {
				cfg.Server.Addr = addrFlag
			}
			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			if _, err := config.EnsureConfigDir(); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}

			store, err := relay.OpenRelay(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer store.Close()

			secret, err := relay.GenerateOrLoadSecret(store, cfg.Auth.JWTSecret)
			if err != nil {
				return fmt.Errorf("jwt secret: %w", err)
			}

			provider, err := ai.NewProvider(ai.ProviderConfig{
				Name:    cfg.AI.Provider,
				APIKey:  cfg.AI.APIKey,
				Model:   cfg.AI.Model,
				BaseURL: cfg.AI.BaseURL,
			})
			if err != nil {
				return err
			}
			bridge := ai.NewBridge(provider, ai.Options{
				Timeout: cfg.AI.Timeout,
				Retries: cfg.AI.Retries,
				Logger:  logger.Log,
			})

			srv := relay.NewServer(store, secret, bridge, relay.ServerConfig{
				TokenTTL:      cfg.Auth.TokenTTL,
				RatePerMinute: cfg.AI.RatePerMinute,
				Burst:         cfg.AI.Burst,
			}, logger.Log)

			httpSrv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("devroom serve listening", "addr", cfg.Server.Addr, "db", cfg.Database.Path, "ai", bridge.ProviderName())
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				fmt.Println("shutting down...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				srv.Shutdown()
				return httpSrv.Shutdown(shutdownCtx)
			case err := <-errCh:
				srv.Shutdown()
				return err
			}
		},
	}

	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (default from config, :8080)")
	cmd.Flags().StringVar(&configFlag, "config", "", "path to a YAML config file")

	return cmd
}
