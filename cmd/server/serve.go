package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/unclebandit/campaign-dashboard/internal/config"
	"github.com/unclebandit/campaign-dashboard/internal/controller"
	"github.com/unclebandit/campaign-dashboard/internal/db"
	"github.com/unclebandit/campaign-dashboard/internal/dispatch"
	"github.com/unclebandit/campaign-dashboard/internal/feed"
	"github.com/unclebandit/campaign-dashboard/internal/handler"
	"github.com/unclebandit/campaign-dashboard/internal/logging"
	"github.com/unclebandit/campaign-dashboard/internal/model"
	"github.com/unclebandit/campaign-dashboard/internal/notice"
	"github.com/unclebandit/campaign-dashboard/internal/queue"
	"github.com/unclebandit/campaign-dashboard/internal/repository"
	"github.com/unclebandit/campaign-dashboard/internal/session"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(v *viper.Viper, configPath *string) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard HTTP and websocket API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, *configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the schema before serving")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, migrate bool) error {
	logger := logging.New().WithLevel(cfg.Log.Level).Pretty(cfg.Log.Pretty).Make()

	conn, err := db.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	if migrate {
		if err := db.ApplySchema(ctx, conn, cfg.Database.Driver); err != nil {
			return err
		}
		logger.Info().Msg("schema applied")
	}

	q := queue.NewInMemoryQueue(logger)
	defer q.Drain()
	notices := notice.NewCenter(cfg.Notices.Duration, q, logger)
	defer notices.Close()

	manager := &session.Manager{
		Config:     cfg,
		StoreFor:   storeFor(conn, cfg.Database.Driver),
		Source:     sourceFor(cfg, logger),
		Dispatcher: dispatch.NewClient(cfg.Webhooks.Timeout, logger),
		Notices:    notices,
		Logger:     logger,
	}
	defer manager.Close()

	if _, err := manager.Activate(ctx, cfg.DefaultCompany); err != nil {
		return err
	}

	stream, err := handler.NewCampaignHandler(manager, q, logger)
	if err != nil {
		return err
	}
	campaignController := &controller.CampaignController{
		Sessions: manager,
		Notices:  notices,
		Logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	campaignController.Routes(r)
	r.Get("/api/{campaign}/ws", stream.ServeWS)

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func storeFor(conn *sql.DB, driver string) func(model.Collection) repository.RecordStore {
	dialect := repository.DialectFor(driver)
	return func(c model.Collection) repository.RecordStore {
		return &repository.RecordRepository{DB: conn, Dialect: dialect, Collection: c}
	}
}

func sourceFor(cfg *config.Config, logger zerolog.Logger) feed.Source {
	switch cfg.Feed.Kind {
	case "postgres":
		return &repository.PostgresFeed{
			DSN:          cfg.Database.DSN,
			MinReconnect: cfg.Feed.ReconnectInitialBackoff,
			MaxReconnect: cfg.Feed.ReconnectMaxBackoff,
			Logger:       logger,
		}
	case "amqp":
		return &repository.AMQPFeed{
			URL:      cfg.Feed.AMQPURL,
			Exchange: cfg.Feed.AMQPExchange,
			Logger:   logger,
		}
	}
	return repository.NoFeed{}
}
