package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	mcpauth "go.tasknest.dev/mcpauth"
	"go.tasknest.dev/mcpauth/api/echoapi"
	"go.tasknest.dev/mcpauth/config"
	"go.tasknest.dev/mcpauth/dispatch"
	"go.tasknest.dev/mcpauth/domain"
	"go.tasknest.dev/mcpauth/pending"
	"go.tasknest.dev/mcpauth/sessions"
)

// version is set at build time.
var version = "dev"

// subjectProvider resolves users for token issuance. Identity is owned by the
// application platform; the consent UI hands over an already-authenticated
// user id, so the default provider passes the subject through. Deployments
// with a user directory plug in their own domain.UserProvider.
type subjectProvider struct{}

func (subjectProvider) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	return &domain.User{ID: id}, nil
}

func main() {
	root := &cobra.Command{
		Use:     "mcpauthd",
		Short:   "OAuth 2.1 authorization server and session manager for the tool protocol endpoint",
		Version: version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	initLogger(cfg)

	log.Info().
		Str("http_addr", cfg.HTTPAddr).
		Str("session_backend", cfg.SessionBackend).
		Str("pending_backend", cfg.PendingBackend).
		Str("log_level", cfg.LogLevel).
		Msg("starting mcpauthd")

	var redisClient *redis.Client
	if cfg.SessionBackend == "redis" || cfg.PendingBackend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	pendingStore, err := pending.New(pending.Config{
		Backend:   cfg.PendingBackend,
		Redis:     redisClient,
		KeyPrefix: cfg.RedisPrefix,
	})
	if err != nil {
		return err
	}
	defer pendingStore.Close()

	sessionStore, err := sessions.New(sessions.Config{
		Backend:   cfg.SessionBackend,
		Redis:     redisClient,
		KeyPrefix: cfg.RedisPrefix,
	})
	if err != nil {
		return err
	}
	defer sessionStore.Close()

	manager := sessions.NewManager(sessionStore, cfg.SessionKeySecret, sessions.Options{
		TTL:    time.Duration(cfg.SessionTTLHour) * time.Hour,
		Logger: log.Logger,
	})
	defer manager.Close()

	codes := mcpauth.NewCodeStore(mcpauth.DefaultCodeTTL, mcpauth.DefaultCodeSweepInterval)
	defer codes.Close()

	tokens := mcpauth.NewTokenService(cfg.Issuer, cfg.JWTSecretKey,
		time.Duration(cfg.AccessTokenTTLDay)*24*time.Hour)
	registry := mcpauth.NewClientRegistry()

	oauth := mcpauth.NewOAuthService(codes, pendingStore, tokens, registry, subjectProvider{}, cfg.ConsentURL)

	executor := dispatch.NewCoreExecutor(dispatch.ServerInfo{
		Name:    "mcpauthd",
		Version: version,
	}, nil)
	dispatcher := dispatch.NewDispatcher(manager, executor, log.Logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())

	api := echoapi.New(oauth, tokens, registry, manager, dispatcher, pendingStore, sessionStore, cfg.BaseURL)
	api.RegisterRoutes(e)

	serveCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-serveCtx.Done():
	}

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return e.Shutdown(shutdownCtx)
}

func initLogger(cfg *config.ServerConfig) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
		log.Warn().
			Str("configured_log_level", cfg.LogLevel).
			Msg("invalid LOG_LEVEL configured, defaulting to 'info'")
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
