package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/vbase/rce/config"
	"github.com/vbase/rce/httpserver"
	"github.com/vbase/rce/logger"
	"github.com/vbase/rce/runtime"
	"github.com/vbase/rce/sandbox"
)

func newRegistry(cfg *config.Config) (*runtime.Registry, error) {
	descriptors, err := runtime.LoadCatalog(cfg.Engine.RuntimeCatalog)
	if err != nil {
		return nil, err
	}
	return runtime.NewRegistry(descriptors)
}

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Runtime catalog
			newRegistry,

			// Container engine client and lifecycle controller
			sandbox.NewEngineClient,
			sandbox.NewController,
			func(c *sandbox.Controller) sandbox.Runner { return c },

			// Execution core
			sandbox.NewWorkspaceManagerFromConfig,
			sandbox.NewLimiterFromConfig,
			sandbox.NewExecutor,

			// HTTP adapter
			httpserver.New,
		),

		fx.Invoke(
			// Verify the engine is reachable and report which runner
			// images are built before serving.
			func(lc fx.Lifecycle, log *zap.Logger, ctrl *sandbox.Controller, reg *runtime.Registry) {
				lc.Append(fx.Hook{
					OnStart: func(ctx context.Context) error {
						if err := ctrl.Ping(ctx); err != nil {
							return err
						}
						log.Info("connected to container engine")
						for _, d := range reg.List() {
							exists, err := ctrl.ImageExists(ctx, d.Image)
							if err != nil {
								return err
							}
							log.Info("runtime image",
								zap.String("language", d.Language),
								zap.String("version", d.Version),
								zap.String("image", d.Image),
								zap.Bool("built", exists))
						}
						return nil
					},
				})
			},

			func(lc fx.Lifecycle, server *httpserver.Server) {
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						return server.Start()
					},
					OnStop: func(ctx context.Context) error {
						return server.Stop(ctx)
					},
				})
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}
