package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Dan9191/loan-service/internal/clock"
	"github.com/Dan9191/loan-service/internal/config"
	"github.com/Dan9191/loan-service/internal/handler"
	"github.com/Dan9191/loan-service/internal/latefee"
	"github.com/Dan9191/loan-service/internal/middleware"
	"github.com/Dan9191/loan-service/internal/notify"
	"github.com/Dan9191/loan-service/internal/receipt"
	"github.com/Dan9191/loan-service/internal/repository"
	"github.com/Dan9191/loan-service/internal/service"
	"github.com/Dan9191/loan-service/internal/storage"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	// Load configuration
	cfg, err := config.NewConfig()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	logLevel, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := sql.Open("postgres", cfg.DBConn)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		logger.Fatalf("Failed to ping database: %v", err)
	}

	repo := repository.NewRepository(db, logger)
	if err := repo.Migrate(ctx); err != nil {
		logger.Fatalf("Failed to migrate schema: %v", err)
	}

	rows, err := repo.LateFeeRows(ctx)
	if err != nil {
		logger.Fatalf("Failed to load late fee table: %v", err)
	}
	rates, err := latefee.NewTable(rows, latefee.Policy(cfg.LateFeeTierPolicy), logger)
	if err != nil {
		logger.Fatalf("Failed to build late fee table: %v", err)
	}

	clk, err := clock.New(cfg.BusinessTimezone)
	if err != nil {
		logger.Fatalf("Failed to load business timezone: %v", err)
	}
	files, err := storage.NewLocalStore(cfg.StorageDir, cfg.PublicBaseURL)
	if err != nil {
		logger.Fatalf("Failed to open storage: %v", err)
	}

	renderer := receipt.NewXMLRenderer(cfg.ReceiptIssuer)
	deps := service.Deps{
		Clock:     clk,
		Receipts:  renderer,
		Schedules: renderer,
		Files:     files,
	}
	if cfg.SMTPEnabled() {
		deps.Notifier = notify.NewSender(cfg, logger)
	} else {
		logger.Info("SMTP not configured, overdue notices disabled")
	}
	svc := service.NewService(repo, rates, logger, deps)

	// Overdue sweep
	scheduler := cron.New(
		cron.WithLocation(clk.Location()),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger))),
	)
	_, err = scheduler.AddFunc(cfg.SweepSchedule, func() {
		res, err := svc.SweepOverdueInstallments(ctx, cfg.SweepUserID)
		if err != nil {
			logger.WithError(err).Error("Overdue sweep failed")
			return
		}
		logger.WithFields(logrus.Fields{
			"loans":         res.Loans,
			"newly_overdue": res.NewlyLate,
			"flagged":       len(res.FlaggedLoan),
			"failed":        len(res.Failed),
		}).Info("Overdue sweep scheduled run finished")
	})
	if err != nil {
		logger.Fatalf("Invalid sweep schedule %q: %v", cfg.SweepSchedule, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Setup router
	r := mux.NewRouter()
	r.Use(middleware.Logging(logger))
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	handler.NewHandler(svc, logger).Routes(r, handler.Options{
		JWTSecret:     cfg.JWTSecret,
		UploadLimiter: middleware.NewRateLimiter(cfg.UploadRateLimit, cfg.UploadBurst),
	})
	r.PathPrefix("/files/").Handler(middleware.Auth(cfg.JWTSecret, middleware.RoleAdmin, middleware.RoleStaff)(
		http.StripPrefix("/files/", http.FileServer(http.Dir(cfg.StorageDir))),
	))

	// Start server
	addr := fmt.Sprintf(":%s", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Server shutdown failed")
		}
	}()
	logger.Infof("Starting server on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("Server failed: %v", err)
	}
}
