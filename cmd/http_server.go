package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fromafrica/escrow-service/internal"
	"github.com/fromafrica/escrow-service/internal/auth"
	authPostgres "github.com/fromafrica/escrow-service/internal/auth/postgres"
	"github.com/fromafrica/escrow-service/internal/core/events"
	"github.com/fromafrica/escrow-service/internal/escrow"
	escrowPostgres "github.com/fromafrica/escrow-service/internal/escrow/postgres"
	"github.com/fromafrica/escrow-service/internal/gateway"
	"github.com/fromafrica/escrow-service/internal/order"
	orderPostgres "github.com/fromafrica/escrow-service/internal/order/postgres"
	"github.com/fromafrica/escrow-service/internal/transport/rest"
	"github.com/fromafrica/escrow-service/pkg/logger"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle API requests`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type Dependencies struct {
	Config         *internal.Config
	DB             *sqlx.DB
	GormDB         *gorm.DB
	Router         *chi.Mux
	AuthHandler    *auth.Handler
	EscrowHandler  *escrow.Handler
	WebhookHandler *escrow.WebhookHandler
	EscrowService  *escrow.Service
	Logger         *slog.Logger
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	rest.RegisterAllRoutes(deps.Router, deps.DB.DB, deps.AuthHandler, deps.EscrowHandler, deps.WebhookHandler, deps.Logger)

	// Background sweep that releases funded escrows whose inspection window
	// has passed.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go runAutoReleaseSweep(sweepCtx, deps.EscrowService, deps.Logger)

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	slog.Info("Starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      deps.Router,
		ReadTimeout:  deps.Config.Server.ReadTimeout,
		WriteTimeout: deps.Config.Server.WriteTimeout,
		IdleTimeout:  deps.Config.Server.IdleTimeout,
	}

	// Signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		slog.Info("Received signal, shutting down...", "signal", sig)
		stopSweep()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		if err := deps.DB.Close(); err != nil {
			slog.Error("Database close error", "error", err)
		}
	case err := <-serverErrChan:
		stopSweep()
		if err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("Server stopped")
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	env := "development"
	if config.Logging.Format == "json" {
		env = "production"
	}
	logger.Init(env)
	lg := logger.L()

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Run gorm over the already verified pgx connection.
	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gorm: %w", err)
	}

	eventBus := events.NewEventBus(lg)

	// Auth
	authRepo := authPostgres.NewRepository(gormDB)
	tokenGen := auth.NewJWTTokenGenerator(config.Security.JWTSecret, config.Security.JWTSecret)
	authService := auth.NewService(authRepo, tokenGen)
	authHandler := auth.NewHandler(authService)

	// Payment gateways
	registry := buildGatewayRegistry(config, lg)

	// Orders
	orderRepo := orderPostgres.NewOrderRepository(gormDB)
	order.NewEventHandler(orderRepo, lg).RegisterEventHandlers(eventBus)

	// Escrow core
	escrowRepo := escrowPostgres.NewEscrowRepository(gormDB)
	escrowService := escrow.NewService(escrowRepo, orderRepo, registry, eventBus, lg)
	escrowHandler := escrow.NewHandler(escrowService)
	webhookHandler := escrow.NewWebhookHandler(escrowService, registry, config.Payment.FrontendURL, lg)

	return &Dependencies{
		Config:         config,
		Logger:         lg,
		DB:             db,
		GormDB:         gormDB,
		Router:         chi.NewRouter(),
		AuthHandler:    authHandler,
		EscrowHandler:  escrowHandler,
		WebhookHandler: webhookHandler,
		EscrowService:  escrowService,
	}, nil
}

func buildGatewayRegistry(config *internal.Config, lg *slog.Logger) *gateway.Registry {
	if config.Payment.UseMock {
		mock := gateway.NewMock(gateway.MockConfig{
			FrontendURL:   config.Payment.FrontendURL,
			WebhookURL:    config.Server.BaseURL + "/webhooks/mock",
			WebhookSecret: config.Security.JWTSecret,
			Delay:         200 * time.Millisecond,
		}, lg)
		lg.Warn("payment providers not configured, using mock gateway")
		return gateway.NewRegistry(gateway.ProviderMock, mock)
	}

	paystack := gateway.NewPaystack(gateway.Config{
		BaseURL:       config.Payment.Paystack.BaseURL,
		SecretKey:     config.Payment.Paystack.SecretKey,
		WebhookSecret: config.Payment.Paystack.WebhookSecret,
		CallbackURL:   config.Payment.CallbackURL,
		Timeout:       config.Payment.Timeout,
	}, lg)

	flutterwave := gateway.NewFlutterwave(gateway.Config{
		BaseURL:       config.Payment.Flutterwave.BaseURL,
		SecretKey:     config.Payment.Flutterwave.SecretKey,
		WebhookSecret: config.Payment.Flutterwave.WebhookSecret,
		CallbackURL:   config.Payment.CallbackURL,
		Timeout:       config.Payment.Timeout,
	}, lg)

	return gateway.NewRegistry(config.Payment.DefaultProvider, paystack, flutterwave)
}

// runAutoReleaseSweep periodically releases funded escrows past their
// inspection window.
func runAutoReleaseSweep(ctx context.Context, svc *escrow.Service, lg *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			lg.Info("auto-release sweep stopped")
			return
		case <-ticker.C:
			if _, err := svc.ReleaseExpired(ctx, 100); err != nil {
				lg.Error("auto-release sweep failed", "error", err)
			}
		}
	}
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// verify connection; close underlying *sql.DB on failure
	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}
