package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-erp-workflow/internal/client"
	"github.com/pesio-ai/be-erp-workflow/internal/handler"
	"github.com/pesio-ai/be-erp-workflow/internal/outbox"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/config"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/database"
	"github.com/pesio-ai/be-erp-workflow/internal/platform/logger"
	"github.com/pesio-ai/be-erp-workflow/internal/repository"
	"github.com/pesio-ai/be-erp-workflow/internal/repository/memory"
	"github.com/pesio-ai/be-erp-workflow/internal/service"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:          "erp-workflow",
		Short:        "Multi-step approval workflow service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithFlags(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	serve.Flags().String("storage", "", "storage backend (postgres or memory)")
	serve.Flags().Int("http-port", 0, "HTTP listen port")
	serve.Flags().Int("grpc-port", 0, "gRPC listen port")

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the workflow schema and the outbox queue tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithFlags(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runMigrate(cmd.Context(), cfg)
		},
	}

	root.AddCommand(serve, migrate)
	return root
}

func newLogger(cfg *config.Config) *logger.Logger {
	return logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})
}

func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	return database.New(ctx, database.Config{
		DSN:         cfg.DSN(),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
}

func runMigrate(ctx context.Context, cfg *config.Config) error {
	log := newLogger(cfg)

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return err
	}
	if err := outbox.Migrate(ctx, db.Pool); err != nil {
		return err
	}
	log.Info().Msg("Migrations applied")
	return nil
}

// backend is the storage-dependent half of the wiring.
type backend struct {
	stores    repository.Stores
	directory service.OrgDirectory
	queue     *outbox.Queue
	close     func()
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log := newLogger(cfg)
	log.Info().
		Str("environment", cfg.Service.Environment).
		Str("storage", string(cfg.Storage)).
		Msg("Starting workflow service")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Notifications go to NATS when enabled, otherwise they are only logged.
	var natsConn *nats.Conn
	if cfg.NATS.Enabled {
		conn, err := client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name, log.Logger)
		if err != nil {
			return err
		}
		natsConn = conn
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	}
	publisher := client.NewNotificationPublisher(natsConn, cfg.NATS.SubjectPrefix, log.Logger)
	appliers := client.NewApplierRegistry(log.Logger)
	dispatcher := outbox.NewDispatcher(publisher, appliers)

	var (
		be  *backend
		err error
	)
	switch cfg.Storage {
	case config.StorageMemory:
		be = memoryBackend(cfg, dispatcher, log)
	default:
		be, err = postgresBackend(ctx, cfg, dispatcher, appliers, log)
		if err != nil {
			return err
		}
	}
	defer be.close()

	opts := service.Options{
		MaxSteps:              cfg.Workflow.MaxSteps,
		CancelReasonMinLength: cfg.Workflow.CancelReasonMinLength,
		CCEmployeeIDs:         cfg.Notification.CCEmployeeIDs,
		LinkBaseURL:           cfg.Notification.LinkBaseURL,
		PendingCacheTTL:       cfg.Workflow.PendingCacheTTL,
	}
	pending := service.NewPendingCache(cfg.Workflow.PendingCacheTTL)
	resolver := service.NewResolver(be.directory, be.stores.Delegations, opts)
	definitions := service.NewDefinitionService(be.stores.Definitions, opts, log.Component("definitions"))
	engine := service.NewEngine(be.stores.Instances, be.stores.Templates, definitions, resolver, be.stores.Audit, pending, opts, log.Component("engine"))
	processor, err := service.NewDecisionProcessor(engine, be.stores.Instances, resolver, pending, log.Component("decisions"))
	if err != nil {
		return err
	}

	httpHandler := handler.NewHTTPHandler(handler.Services{
		Delegations: service.NewDelegationService(be.stores.Delegations, be.stores.Audit, be.directory, pending, opts, log.Component("delegations")),
		Templates:   service.NewTemplateService(be.stores.Templates, opts, log.Component("templates")),
		Definitions: definitions,
		Engine:      engine,
		Processor:   processor,
	}, cfg.Location(), log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	grpcServer := handler.NewGRPCServer(cfg.Service.Name, processor, log)
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	// Workers outlive the signal so Stop can drain them.
	if be.queue != nil {
		if err := be.queue.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("Server failed")
	}

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	grpcServer.Shutdown()

	if be.queue != nil {
		if err := be.queue.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Outbox worker shutdown failed")
		}
	}
	if natsConn != nil {
		if err := natsConn.Drain(); err != nil {
			log.Warn().Err(err).Msg("NATS drain failed")
			natsConn.Close()
		}
	}

	log.Info().Msg("Server stopped")
	return runErr
}

// memoryBackend keeps everything in process; side effects run right after
// each mutation.
func memoryBackend(cfg *config.Config, dispatcher *outbox.Dispatcher, log *logger.Logger) *backend {
	dir := client.NewStaticDirectory()
	for _, e := range cfg.Directory {
		a := client.Assignment{EmployeeID: e.EmployeeID, CompanyID: e.CompanyID, Status: client.AssignmentActive}
		if e.SupervisorID != "" {
			a.SupervisorID = &e.SupervisorID
		}
		if e.PositionID != "" {
			a.PositionID = &e.PositionID
		}
		dir.Add(a)
	}
	log.Warn().Int("employees", len(cfg.Directory)).Msg("Using in-memory storage; data is lost on restart")

	store := memory.New(outbox.NewInline(dispatcher, log.Logger))
	return &backend{
		stores:    store.Stores(),
		directory: dir,
		close:     func() {},
	}
}

func postgresBackend(
	ctx context.Context,
	cfg *config.Config,
	dispatcher *outbox.Dispatcher,
	appliers *client.ApplierRegistry,
	log *logger.Logger,
) (*backend, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("Database connection established")

	if err := client.RegisterSQLAppliers(appliers, db, cfg.Callbacks); err != nil {
		db.Close()
		return nil, err
	}

	queue, err := outbox.NewQueue(db.Pool, dispatcher, outbox.QueueConfig{
		Workers:     cfg.Outbox.Workers,
		MaxAttempts: cfg.Outbox.MaxAttempts,
	}, log.Logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &backend{
		stores:    repository.NewPostgresStores(db, queue),
		directory: client.NewPostgresDirectory(db),
		queue:     queue,
		close:     db.Close,
	}, nil
}
