package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/drblury/actorflow/internal/runtime"
	"github.com/drblury/actorflow/internal/runtime/logging"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP surface and the queue consumers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.LogLevel != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}
			log := newLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := runtime.NewService(ctx, &cfg, log, runtime.ServiceDependencies{
				JobHooks: runtime.LoggingHooks(log),
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := svc.Close(); err != nil {
					log.Error("Closing service failed", err, nil)
				}
			}()

			if err := registerDemo(svc); err != nil {
				return err
			}
			log.Info("actorflowd ready", logging.LogFields{
				"address": cfg.HTTPAddress,
				"version": version,
			})
			if err := svc.Start(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

