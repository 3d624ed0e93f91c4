package main

import (
	"context"
	crypto_rand "crypto/rand"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/fightpaperwork/appeals/internal/config"
	"github.com/fightpaperwork/appeals/internal/domain/appeal"
	"github.com/fightpaperwork/appeals/internal/domain/identity"
	"github.com/fightpaperwork/appeals/internal/domain/practice"
	"github.com/fightpaperwork/appeals/internal/platform/apperr"
	"github.com/fightpaperwork/appeals/internal/platform/auth"
	"github.com/fightpaperwork/appeals/internal/platform/billing"
	"github.com/fightpaperwork/appeals/internal/platform/blobstore"
	"github.com/fightpaperwork/appeals/internal/platform/db"
	"github.com/fightpaperwork/appeals/internal/platform/fax"
	"github.com/fightpaperwork/appeals/internal/platform/hipaa"
	"github.com/fightpaperwork/appeals/internal/platform/metrics"
	"github.com/fightpaperwork/appeals/internal/platform/middleware"
	"github.com/fightpaperwork/appeals/internal/platform/notification"
)

// database is what the server needs from *pgxpool.Pool.
type database interface {
	db.DB
	db.Pinger
}

// deps are the outside collaborators of the HTTP server. Anything left nil is
// built from the config.
type deps struct {
	DB          database
	Revocations auth.RevocationStore
	Blobs       blobstore.Store
	Faxer       fax.Dispatcher
	Email       notification.EmailSender
	Billing     billingProvider
}

type billingProvider interface {
	billing.SeatManager
	billing.CheckoutCreator
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: time.Hour,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	d := deps{DB: pool}
	if cfg.RedisURL != "" {
		client, err := auth.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer client.Close()
		d.Revocations = auth.NewRedisRevocationStore(client)
		logger.Info().Msg("session revocations stored in redis")
	} else {
		mem := auth.NewMemoryRevocationStore()
		defer mem.Close()
		d.Revocations = mem
	}

	e, err := newServer(cfg, d, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer wires repositories, services and handlers onto a fresh echo
// instance.
func newServer(cfg *config.Config, d deps, logger zerolog.Logger) (*echo.Echo, error) {
	signingKey, err := sessionKey(cfg, logger)
	if err != nil {
		return nil, err
	}
	if d.Revocations == nil {
		d.Revocations = auth.NewMemoryRevocationStore()
	}
	if d.Blobs == nil {
		if d.Blobs, err = attachmentStore(cfg, logger); err != nil {
			return nil, err
		}
	}
	if d.Faxer == nil {
		if d.Faxer, err = faxDispatcher(cfg, logger); err != nil {
			return nil, err
		}
	}
	if d.Email == nil {
		d.Email = emailSender(cfg, logger)
	}
	if d.Billing == nil {
		d.Billing = billingFor(cfg, logger)
	}

	m := metrics.New()
	sessions := auth.NewSessionManager(auth.SessionConfig{
		SigningKey: signingKey,
		TTL:        cfg.SessionTTL,
		Secure:     cfg.TLSEnabled || cfg.IsProduction(),
	}, d.Revocations, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	// Outside Logger, which resolves handler errors, so the recorded status is final.
	e.Use(m.Middleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(middleware.BodyLimit("1M", "26M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", db.HealthHandler(d.DB))
	e.GET("/metrics", m.Handler())

	apiV1 := e.Group("/api/v1", sessions.Middleware())

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	authLimit := middleware.RateLimit(rateLimitCfg)

	tx := db.NewTransactor(d.DB)
	notifier := notification.NewNotifier(d.Email, notification.NewTemplateEngine(), logger)

	// Practice domain
	practiceSvc := practice.NewService(tx,
		practice.NewDomainRepo(d.DB),
		practice.NewMembershipRepo(d.DB),
		d.Billing, logger)
	practiceSvc.SetMetrics(m)

	// Identity domain
	identitySvc := identity.NewService(tx,
		identity.NewUserRepo(d.DB),
		identity.NewProfileRepo(d.DB),
		identity.NewTokenRepo(d.DB),
		practiceSvc, d.Billing, notifier,
		identity.Options{TokenTTL: cfg.TokenTTL, FrontendURL: cfg.FrontendURL},
		logger)
	identitySvc.SetMetrics(m)

	// Appeal domain
	appealSvc := appeal.NewService(tx,
		appeal.NewDenialRepo(d.DB),
		appeal.NewAppealRepo(d.DB),
		appeal.NewAttachmentRepo(d.DB),
		appeal.NewContactRepo(d.DB),
		practiceSvc, d.Blobs, d.Faxer, notifier,
		appeal.Options{FrontendURL: cfg.FrontendURL},
		logger)
	appealSvc.SetMetrics(m)

	identity.NewHandler(identitySvc, sessions).RegisterRoutes(apiV1, authLimit)
	practice.NewHandler(practiceSvc).RegisterRoutes(apiV1)
	appeal.NewHandler(appealSvc, identitySvc).RegisterRoutes(apiV1)

	return e, nil
}

// sessionKey returns SESSION_SECRET, or a random key in development so a
// fresh checkout can start without one. Sessions then die with the process.
func sessionKey(cfg *config.Config, logger zerolog.Logger) ([]byte, error) {
	if cfg.SessionSecret != "" {
		return []byte(cfg.SessionSecret), nil
	}
	if !cfg.IsDev() {
		return nil, fmt.Errorf("SESSION_SECRET is required")
	}
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	logger.Warn().Msg("SESSION_SECRET not set, using a random key; sessions will not survive a restart")
	return key, nil
}

func attachmentStore(cfg *config.Config, logger zerolog.Logger) (blobstore.Store, error) {
	var enc *hipaa.PHIEncryptor
	if cfg.EncryptionKey != "" {
		key, err := cfg.EncryptionKeyBytes()
		if err != nil {
			return nil, err
		}
		if enc, err = hipaa.NewPHIEncryptor(key); err != nil {
			return nil, err
		}
	} else {
		var err error
		if enc, err = hipaa.NewEphemeralEncryptor(); err != nil {
			return nil, err
		}
		logger.Warn().Msg("ENCRYPTION_KEY not set, attachments are encrypted with a per-process key")
	}
	return blobstore.NewOSStore(cfg.StorageDir, enc)
}

func faxDispatcher(cfg *config.Config, logger zerolog.Logger) (fax.Dispatcher, error) {
	if cfg.FaxEndpoint == "" {
		logger.Warn().Msg("FAX_ENDPOINT not set, faxes are logged and not sent")
		return fax.LogDispatcher{Logger: logger}, nil
	}
	return fax.NewHTTPDispatcher(cfg.FaxEndpoint, logger,
		fax.WithSecret(cfg.FaxSecret),
		fax.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}))
}

func emailSender(cfg *config.Config, logger zerolog.Logger) notification.EmailSender {
	if cfg.SMTPAddr == "" {
		return notification.LogSender{Logger: logger}
	}
	return &notification.SMTPSender{Addr: cfg.SMTPAddr, From: cfg.SMTPFrom, Timeout: 10 * time.Second}
}

func billingFor(cfg *config.Config, logger zerolog.Logger) billingProvider {
	if cfg.StripeSecretKey == "" {
		return billing.Noop{Logger: logger}
	}
	return billing.NewStripe(cfg.StripeSecretKey, cfg.StripePriceID, logger)
}
