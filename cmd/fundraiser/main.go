// Command fundraiser runs the crowdfunding REST API: users, campaigns,
// donations, the background scheduler and the live donation feed.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	app "github.com/R3E-Network/fundraiser/internal/app"
	"github.com/R3E-Network/fundraiser/internal/app/httpapi"
	"github.com/R3E-Network/fundraiser/internal/app/notify"
	"github.com/R3E-Network/fundraiser/internal/app/services/donations"
	"github.com/R3E-Network/fundraiser/internal/app/storage/postgres"
	redisstore "github.com/R3E-Network/fundraiser/internal/app/storage/redis"
	"github.com/R3E-Network/fundraiser/internal/auth"
	"github.com/R3E-Network/fundraiser/internal/config"
	"github.com/R3E-Network/fundraiser/internal/httputil"
	"github.com/R3E-Network/fundraiser/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logging).Component("fundraiser")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("fundraiser stopped")
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.UsesDefaultSecret() {
		log.Warn("JWT_SECRET is the development default; set a real secret in production")
	}

	stores, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	opts := app.Options{
		Tokens:     auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL),
		OTPTTL:     cfg.Auth.OTPTTL,
		Scheduler:  cfg.Scheduler,
		JobTimeout: time.Minute,
		Notifier: notify.New(notify.SMTPConfig{
			Host:     cfg.Mail.SMTPHost,
			Port:     cfg.Mail.SMTPPort,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			From:     cfg.Mail.From,
		}, log.Component("mail")),
	}
	if url := strings.TrimSpace(cfg.Verifier.URL); url != "" {
		client := httputil.NewClient(httputil.ClientConfig{
			BaseURL: url,
			APIKey:  cfg.Verifier.APIKey,
			Timeout: cfg.Verifier.Timeout,
		})
		verifier, err := donations.NewHTTPVerifier(client, donations.ExplorerConfig{
			BaseURL:       url,
			APIKey:        cfg.Verifier.APIKey,
			TxPath:        cfg.Verifier.TxPath,
			ConfirmedPath: cfg.Verifier.ConfirmedPath,
			ToPath:        cfg.Verifier.ToPath,
			AmountPath:    cfg.Verifier.AmountPath,
		}, log.Component("verifier"))
		if err != nil {
			return fmt.Errorf("configure verifier: %w", err)
		}
		opts.Verifier = verifier
	}

	application, err := app.New(stores, opts, log)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	router, err := httpapi.NewHandler(application, httpapi.Config{
		UploadDir:         cfg.Uploads.Dir,
		MaxUploadBytes:    cfg.Uploads.MaxBytes,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		AllowedOrigins:    cfg.CORS.Origins(),
		AuditFile:         cfg.Audit.File,
		AuditEntries:      cfg.Audit.Entries,
	}, log.Component("http"))
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}
	if err := application.Attach(router); err != nil {
		return err
	}

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start application: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("fundraiser API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application shutdown")
	}
	return runErr
}

// openStores picks the persistence backends. Postgres replaces the memory
// store when configured; Redis takes over OTP storage when an address is set.
func openStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (app.Stores, func(), error) {
	var stores app.Stores
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if strings.EqualFold(cfg.Database.Driver, "postgres") {
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return stores, closeAll, fmt.Errorf("open postgres: %w", err)
		}
		closers = append(closers, func() { _ = db.Close() })
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			closeAll()
			return stores, func() {}, fmt.Errorf("ping postgres: %w", err)
		}
		if cfg.Database.AutoMigrate {
			if err := postgres.Migrate(db); err != nil {
				closeAll()
				return stores, func() {}, err
			}
			log.Info("database migrations applied")
		}

		store := postgres.New(db)
		stores.Users = store
		stores.OTPs = store
		stores.Campaigns = store
		stores.Donations = store
	} else {
		log.Warn("DATABASE_DRIVER=memory; data is lost on restart")
	}

	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		client, err := redisstore.Dial(ctx, addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			closeAll()
			return stores, func() {}, err
		}
		closers = append(closers, func() { _ = client.Close() })
		stores.OTPs = redisstore.NewOTPStore(client, "")
		log.WithField("addr", addr).Info("one-time passwords stored in redis")
	}

	return stores, closeAll, nil
}
