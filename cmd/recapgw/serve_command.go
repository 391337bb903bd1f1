package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"recapflow/api-gateway/config"
	_ "recapflow/api-gateway/docs"
	"recapflow/api-gateway/handlers"
	"recapflow/api-gateway/internal/backend"
	"recapflow/api-gateway/internal/grpchealth"
	"recapflow/api-gateway/internal/identity"
	"recapflow/api-gateway/internal/jobs"
	"recapflow/api-gateway/internal/maintenance"
	"recapflow/api-gateway/internal/objectstore"
	"recapflow/api-gateway/internal/outbox"
	"recapflow/api-gateway/internal/store"
	"recapflow/api-gateway/internal/trigger"
	"recapflow/api-gateway/internal/upload"
	"recapflow/api-gateway/middleware"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var noRelay bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the gRPC health service and the background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			st, err := ctx.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			cfg := ctx.config
			if noRelay {
				cfg.EmbedRelay = false
			}
			return serve(signalCtx, cfg, st, ctx.log)
		},
	}
	cmd.Flags().BoolVar(&noRelay, "no-relay", false, "Do not deliver outbox messages from this process")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, st *store.Store, log *logrus.Logger) error {
	entry := config.ServiceLogger(log, cfg)

	client := backend.NewClient(cfg, log)
	js := jobs.NewService(st, cfg, log)
	uploads := upload.NewService(st, client, js, cfg, log)

	signer, err := objectstore.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("object storage: %w", err)
	}

	h := handlers.NewApplicationHandler(handlers.ApplicationHandler{
		Config:   cfg,
		Logger:   log,
		Store:    st,
		Jobs:     js,
		Uploads:  uploads,
		Identity: identity.NewService(st, cfg, log),
		Signer:   signer,
		Backend:  client,
	})

	app := fiber.New(fiber.Config{
		AppName:               cfg.ServiceName,
		BodyLimit:             int(cfg.BodyLimitBytes),
		StreamRequestBody:     true,
		ErrorHandler:          h.ErrorHandler,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.AllowedOrigins, ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
		AllowMethods: "GET, POST, PATCH, DELETE, OPTIONS",
	}))
	app.Use(middleware.RequestLogger(log))
	h.Register(app)

	health := grpchealth.NewServer(map[string]grpchealth.Check{
		"database": st.Ping,
		"processing_backend": func(context.Context) error {
			if state := client.BreakerState(); state == "open" {
				return errors.New("circuit breaker " + state)
			}
			return nil
		},
	}, 10*time.Second, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		entry.WithField("addr", cfg.Addr()).Info("Starting API Gateway")
		if err := app.Listen(cfg.Addr()); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		entry.Info("Shutting down API Gateway")
		return app.ShutdownWithTimeout(cfg.ShutdownTimeout)
	})
	g.Go(func() error {
		return health.ListenAndServe(gctx, cfg.GRPCAddr())
	})
	if cfg.EmbedRelay {
		relay := newRelay(cfg, st, client, log)
		g.Go(func() error { return relay.Run(gctx) })
	}
	if cfg.MaintenanceEnabled {
		sched := maintenance.New(cfg, uploads, st, log)
		g.Go(func() error { return sched.Run(gctx) })
	}

	err = g.Wait()
	entry.Info("API Gateway stopped")
	return err
}

func newRelay(cfg *config.Config, st *store.Store, client *backend.Client, log *logrus.Logger) *outbox.Relay {
	return outbox.NewRelay(st,
		trigger.NewWorkflowSender(cfg, log),
		trigger.NewNotebookSender(cfg, log),
		client,
		outbox.OptionsFromConfig(cfg),
		log)
}
