package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nkiryanov/chatscheduler/internal/db"
	"github.com/nkiryanov/chatscheduler/internal/handlers"
	"github.com/nkiryanov/chatscheduler/internal/logger"
	"github.com/nkiryanov/chatscheduler/internal/metrics"
	"github.com/nkiryanov/chatscheduler/internal/models"
	"github.com/nkiryanov/chatscheduler/internal/repository/postgres"
	"github.com/nkiryanov/chatscheduler/internal/secret"
	"github.com/nkiryanov/chatscheduler/internal/service/auth"
	"github.com/nkiryanov/chatscheduler/internal/service/credential"
	"github.com/nkiryanov/chatscheduler/internal/service/dispatcher"
	"github.com/nkiryanov/chatscheduler/internal/service/message"
	"github.com/nkiryanov/chatscheduler/internal/service/slack"
)

const shutdownTimeout = 5 * time.Second

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler
	Dispatcher *dispatcher.Dispatcher

	logger logger.Logger
	pool   *pgxpool.Pool

	unregisterPool func()
}

func NewServerApp(ctx context.Context, c *Config) (*ServerApp, error) {
	// Initialize logger
	l, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	mode, err := models.ParseScheduleMode(c.ScheduleMode)
	if err != nil {
		return nil, err
	}

	box, err := secret.NewBox(c.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("error while creating token sealer. Err: %w", err)
	}

	sessions, err := auth.NewSessionManager(auth.SessionConfig{SecretKey: c.SecretKey})
	if err != nil {
		return nil, fmt.Errorf("error while creating session manager. Err: %w", err)
	}

	// Connect to the database and run migrations
	pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
	}

	metrics.MustRegister()
	unregisterPool := metrics.RegisterPool(pool)

	// Initialize repositories
	storage := postgres.NewStorage(pool, box)

	// Initialize services
	slackClient := slack.NewClient(
		slack.Config{
			BaseURL:      c.SlackAPIURL,
			ClientID:     c.SlackClientID,
			ClientSecret: c.SlackClientSecret,
			RedirectURI:  c.SlackRedirectURI,
		},
		l.WithGroup("slack"),
	)
	tokens := credential.NewManager(storage.Credential(), slackClient, l.WithGroup("credential"))
	authService := auth.NewService(sessions, storage.Credential(), slackClient, tokens, l)
	messageService := message.NewService(storage.Message(), tokens, slackClient, mode, l)

	disp := dispatcher.New(
		dispatcher.Config{
			Interval:    c.DispatchInterval,
			BatchSize:   dispatcher.DefaultBatchSize,
			MaxAttempts: models.MaxDeliveryAttempts,
			Mode:        mode,
		},
		storage.Message(),
		tokens,
		slackClient,
		l.WithGroup("dispatcher"),
	)

	router := handlers.NewRouter(
		handlers.RouterConfig{
			AllowedOrigins: []string{c.FrontendURL},
			Metrics:        metrics.Handler(),
		},
		authService,
		handlers.NewAuth(authService, tokens, c.FrontendURL, l),
		handlers.NewMessage(messageService, l),
		l,
	)

	l.Info("App initialized", "schedule_mode", mode, "dispatch_interval", c.DispatchInterval)

	return &ServerApp{
		ListenAddr:     c.ListenAddr,
		Handler:        router,
		Dispatcher:     disp,
		logger:         l,
		pool:           pool,
		unregisterPool: unregisterPool,
	}, nil
}

// Run starts dispatcher and http server, stops both gracefully on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	defer s.close()

	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	dispatcherStopped, err := s.Dispatcher.Start(srvCtx)
	if err != nil {
		return fmt.Errorf("error while starting dispatcher. Err: %w", err)
	}

	httpServer := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	idleConnsClosed := make(chan struct{})

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	s.logger.Info("Starting server", "address", s.ListenAddr)
	err = httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed

	// Let the in-flight delivery finish before the pool is closed
	<-dispatcherStopped
	s.logger.Info("Dispatcher stopped")

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *ServerApp) close() {
	s.unregisterPool()
	s.pool.Close()
}
