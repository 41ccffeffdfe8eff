package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"counsel-platform/internal/audit"
	"counsel-platform/internal/auth"
	"counsel-platform/internal/calls"
	"counsel-platform/internal/config"
	"counsel-platform/internal/httpapi"
	"counsel-platform/internal/notify"
	"counsel-platform/internal/presence"
	"counsel-platform/internal/pricing"
	"counsel-platform/internal/reporting"
	"counsel-platform/internal/rtc"
	"counsel-platform/internal/wallet"
	"counsel-platform/pkg/logger"
	"counsel-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Presence: Postgres is the source of truth, Redis pub/sub fans writes
	// out across api instances, the tracker caches locally.
	feed := presence.NewRedisFeed(rdb, log)
	tracker := presence.NewTracker(presence.NewPostgresStore(db), feed, log)
	defer tracker.Close()

	trackerCtx, stopTracker := context.WithCancel(rootCtx)
	defer stopTracker()
	go func() {
		if err := tracker.Run(trackerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("presence feed consumer stopped", "err", err)
		}
	}()

	issuer, err := rtc.NewEdgeIssuer(rtc.EdgeIssuerConfig{
		BaseURL: cfg.RTC.TokenServiceURL,
		APIKey:  cfg.RTC.TokenServiceKey,
	})
	if err != nil {
		log.Error("rtc issuer init failed", "err", err)
		os.Exit(1)
	}

	edgeNotifier, err := notify.NewEdgeNotifier(notify.EdgeNotifierConfig{
		BaseURL: cfg.Notify.EdgeURL,
		APIKey:  cfg.Notify.EdgeKey,
	})
	if err != nil {
		log.Error("notifier init failed", "err", err)
		os.Exit(1)
	}
	targets := []notify.Notifier{edgeNotifier}
	if cfg.Email.ResendAPIKey != "" {
		emailNotifier, err := notify.NewEmailNotifier(cfg.Email.ResendAPIKey, cfg.Email.FromAddress, lookupEmail(db))
		if err != nil {
			log.Error("email notifier init failed", "err", err)
			os.Exit(1)
		}
		targets = append(targets, emailNotifier)
	}
	notifier := notify.NewBestEffort(log, targets...)

	audits := audit.NewService(audit.NewPostgresRepo(db))
	rates := pricing.NewService(pricing.NewPostgresRepo(db))

	callSvc := calls.NewService(calls.ServiceDeps{
		Repo:            calls.NewPostgresRepository(db),
		Issuer:          issuer,
		Limiter:         calls.NewRedisLimiter(rdb, cfg.Calls.MaxConcurrentPerExpert, cfg.Calls.SlotTTL),
		Rates:           rates,
		Notifier:        notifier,
		Audits:          audits,
		Log:             log,
		CredentialSlack: cfg.RTC.CredentialSlack,
	})
	walletSvc := wallet.NewService(wallet.NewPostgresLedger(db), callSvc, notifier, audits, log)
	reportSvc := reporting.NewService(reporting.NewPostgresRepo(db))

	handlers := httpapi.Handlers{
		Auth:     authManager,
		Presence: tracker,
		Calls:    callSvc,
		Wallet:   walletSvc,
		Reports:  reportSvc,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, handlers, auth.RequireAccessToken(authManager), db)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

// lookupEmail resolves a user's email for transactional receipts. No row or
// no email on file means "skip the email", not an error.
func lookupEmail(db *sql.DB) notify.AddressResolver {
	return func(ctx context.Context, userID string) (string, error) {
		var email sql.NullString
		err := db.QueryRowContext(ctx, `SELECT email FROM users WHERE id = $1`, userID).Scan(&email)
		if err == sql.ErrNoRows {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return email.String, nil
	}
}
