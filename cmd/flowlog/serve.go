package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"llm_flow/internal/app"
	"llm_flow/internal/auth"
	"llm_flow/internal/config"
	"llm_flow/internal/httpapi"
	"llm_flow/internal/utils"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept log entries over HTTP and serve stored entries and spend",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := config.LoadStore(configPath)
			if err != nil {
				return err
			}
			cfg := store.Get()
			applyLogLevel(cfg)
			logger := utils.NewLogger("flowlog")

			ctx := cmd.Context()
			a, err := app.Build(ctx, cfg, app.Options{OpenDB: true})
			if err != nil {
				return err
			}

			store.OnChange(a.ApplyConfig)
			store.Watch()

			deps := &httpapi.Dependencies{
				Entries:   a.Entries,
				Health:    a.DB,
				Spend:     a.Spend,
				Transport: a.Transport,
				Logger:    utils.NewLogger("httpapi"),
			}
			if len(cfg.HTTP.APIKeys) > 0 {
				keys, err := auth.NewStaticKeyStore(cfg.HTTP.APIKeys)
				if err != nil {
					a.Close(context.Background())
					return err
				}
				deps.Keys = keys
			}

			server := &http.Server{
				Addr:         cfg.HTTP.Address,
				Handler:      httpapi.NewRouter(deps),
				ReadTimeout:  cfg.HTTP.ReadTimeout,
				WriteTimeout: cfg.HTTP.WriteTimeout,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("flowlog listening", "addr", cfg.HTTP.Address)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			var serveErr error
			select {
			case <-ctx.Done():
				logger.Info("Shutting down server...")
			case serveErr = <-errCh:
				logger.Error("Server error", "error", serveErr)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("Server forced to shutdown", "error", err)
			}
			// Flush batch transports and drain workers
			if err := a.Close(shutdownCtx); err != nil {
				logger.Error("Failed to shut down cleanly", "error", err)
			}

			logger.Info("Server exited")
			return serveErr
		},
	}
}
