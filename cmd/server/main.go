package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mkarlsen/greenledger/internal"
	"github.com/mkarlsen/greenledger/internal/domain"
	"github.com/mkarlsen/greenledger/internal/gateway"
	"github.com/mkarlsen/greenledger/internal/handler"
	"github.com/mkarlsen/greenledger/internal/middleware"
	"github.com/mkarlsen/greenledger/internal/postgres"
	"github.com/mkarlsen/greenledger/internal/ratelimit"
	"github.com/mkarlsen/greenledger/internal/router"
	"github.com/mkarlsen/greenledger/internal/service"
	"github.com/mkarlsen/greenledger/internal/tax"
	"github.com/mkarlsen/greenledger/internal/telemetry"
	"github.com/mkarlsen/greenledger/internal/worker"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Initialize database/sql connection for migrations
	logger.Info("Connecting to database...")
	sqlDB, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("Database connection established")

	// Run migrations
	logger.Info("Running database migrations...")
	if err := internal.RunMigrations(sqlDB); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database migrations completed successfully")

	// Initialize pgx connection pool for application
	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	// Stores
	invoiceStore := postgres.NewInvoiceStore(pool)
	subscriptionStore := postgres.NewSubscriptionStore(pool)
	donationStore := postgres.NewDonationStore(pool)
	eventStore := postgres.NewEventStore(pool)
	rateLimitStore := postgres.NewRateLimitStore(pool)
	jobStore := postgres.NewJobStore(pool)

	// Payment gateway providers
	logger.Info("Initializing payment gateway providers...")
	stripeProvider := gateway.NewStripeProvider(
		cfg.Stripe.SecretKey,
		cfg.Stripe.WebhookSecret,
		map[domain.SubscriptionTier]string{
			domain.TierBasic:        cfg.Stripe.BasicPriceID,
			domain.TierProfessional: cfg.Stripe.ProfessionalPriceID,
			domain.TierEnterprise:   cfg.Stripe.EnterprisePriceID,
		},
	)
	paypalProvider := gateway.NewPayPalProvider(
		cfg.PayPal.BaseURL,
		cfg.PayPal.ClientID,
		cfg.PayPal.ClientSecret,
		cfg.PayPal.WebhookID,
		map[domain.SubscriptionTier]string{
			domain.TierBasic:        cfg.PayPal.BasicPlanID,
			domain.TierProfessional: cfg.PayPal.ProfessionalPlanID,
			domain.TierEnterprise:   cfg.PayPal.EnterprisePlanID,
		},
	)
	gateways := gateway.NewRegistry(stripeProvider, paypalProvider)
	logger.Info("Payment gateway providers initialized")

	// Tax calculator
	var taxCalc tax.Calculator
	if cfg.Tax.URL != "" {
		logger.Info("Initializing remote tax calculator", "url", cfg.Tax.URL)
		taxCalc = tax.NewRemoteCalculator(cfg.Tax.URL, cfg.Tax.APIKey)
	} else {
		logger.Info("Tax service not configured, tax collection disabled")
		taxCalc = tax.NewNoTaxCalculator()
	}

	// Metrics
	businessMetrics := telemetry.NewBusinessMetrics("greenledger")
	httpMetrics := middleware.NewMetrics("greenledger")

	// Rate limiter
	limiter := ratelimit.New(rateLimitStore, nil)

	// Services
	invoiceService := service.NewInvoiceService(invoiceStore, taxCalc, gateways, businessMetrics, logger)
	subscriptionService := service.NewSubscriptionService(subscriptionStore, gateways, businessMetrics, logger,
		cfg.Checkout.SuccessURL, cfg.Checkout.CancelURL)
	offsetService := service.NewOffsetService(donationStore, gateways, limiter, businessMetrics, logger)
	reconcileService := service.NewReconcileService(gateways, eventStore,
		invoiceService, subscriptionService, offsetService, businessMetrics, logger)

	// Handlers
	invoiceHandler := handler.NewInvoiceHandler(invoiceService)
	subscriptionHandler := handler.NewSubscriptionHandler(subscriptionService)
	offsetHandler := handler.NewOffsetHandler(offsetService)
	webhookHandler := handler.NewWebhookHandler(reconcileService)

	// Background worker and sweep scheduler
	w := worker.New(jobStore, invoiceService, offsetService, businessMetrics, worker.Config{
		PollInterval: time.Duration(cfg.Worker.PollIntervalSeconds) * time.Second,
	}, logger)
	go func() {
		if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker stopped", "error", err)
		}
	}()
	go worker.RunSweepScheduler(ctx, jobStore,
		time.Duration(cfg.Worker.SweepIntervalSeconds)*time.Second,
		time.Duration(cfg.Worker.StaleDonationHours)*time.Hour,
		logger)

	// Router
	r := router.New(
		middleware.RequestID,
		httpMetrics.Middleware,
		middleware.WithRequestLogger(logger),
	)

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		httpMetrics.Handler().ServeHTTP(w, req)
	})
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Webhooks carry their own authentication via gateway signatures.
	r.Post("/webhooks/{gateway}", webhookHandler.Handle)

	// User-facing API
	api := r.Group(middleware.RequireUser)
	api.Post("/invoices", invoiceHandler.Create)
	api.Get("/invoices", invoiceHandler.List)
	api.Get("/invoices/{id}", invoiceHandler.Get)
	api.Patch("/invoices/{id}", invoiceHandler.Patch)

	api.Post("/subscriptions", subscriptionHandler.Create)
	api.Get("/subscriptions/{id}", subscriptionHandler.Get)
	api.Patch("/subscriptions/{id}", subscriptionHandler.Patch)

	api.Post("/carbon/offset", offsetHandler.Create)
	api.Get("/carbon/offset/estimate", offsetHandler.Estimate)
	api.Get("/carbon/offset/{id}", offsetHandler.Get)
	api.Patch("/carbon/offset/{id}", offsetHandler.Patch)
	api.Get("/carbon/ledger", offsetHandler.Ledger)

	// Serve
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
