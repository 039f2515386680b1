package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-chathub/internal/api"
	"github.com/npezzotti/go-chathub/internal/auth"
	"github.com/npezzotti/go-chathub/internal/config"
	"github.com/npezzotti/go-chathub/internal/database"
	"github.com/npezzotti/go-chathub/internal/hub"
	"github.com/npezzotti/go-chathub/internal/lifecycle"
	"github.com/npezzotti/go-chathub/internal/presence"
	"github.com/npezzotti/go-chathub/internal/server"
	"github.com/npezzotti/go-chathub/internal/stats"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func env(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}

var (
	addr           string
	dsn            string
	redisURL       string
	signingKey     string
	allowedOrigins stringSliceFlag
	secureCookies  bool
	logLevel       string
	seedStaff      string
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	flag.StringVar(&addr, "addr", env("CHAT_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&dsn, "dsn", env("CHAT_DATABASE_DSN", ""), "postgres connection string; empty uses the in-memory store")
	flag.StringVar(&redisURL, "redis-url", env("CHAT_REDIS_URL", ""), "redis URL for presence; empty keeps presence in memory")
	flag.StringVar(&signingKey, "signing-key", env("CHAT_SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.BoolVar(&secureCookies, "secure-cookies", envBool("CHAT_SECURE_COOKIES"), "mark the session cookie Secure")
	flag.StringVar(&logLevel, "log-level", env("CHAT_LOG_LEVEL", "info"), "log level")
	flag.StringVar(&seedStaff, "seed-staff", env("CHAT_SEED_STAFF", ""), "create a staff account given as username:email:password")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		if origins := os.Getenv("CHAT_ALLOWED_ORIGINS"); origins != "" {
			allowedOrigins.Set(origins)
		}
	}

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "go-chathub").Logger()

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}
	cfg.RedisURL = redisURL
	cfg.SecureCookies = secureCookies
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("config")
	}

	ctx := context.Background()

	var (
		repo     database.ChatRepository
		accounts database.AccountRepository
	)
	if cfg.DatabaseDSN != "" {
		db, err := database.NewPgChatRepository(ctx, cfg.DatabaseDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("db open")
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.Error().Err(err).Msg("db close")
			}
		}()
		if err := db.Migrate(); err != nil {
			logger.Fatal().Err(err).Msg("db migrate")
		}
		repo, accounts = db, db
	} else {
		logger.Warn().Msg("no database configured, rooms are kept in memory")
		repo, accounts = database.NewMemoryChatRepository(), database.NewMemoryAccountRepository()
	}

	if seedStaff != "" {
		if err := seedStaffAccount(ctx, accounts, seedStaff); err != nil {
			logger.Fatal().Err(err).Msg("seed staff")
		}
		logger.Info().Msg("staff account ready")
	}

	var tracker presence.Tracker = presence.NewMemoryTracker()
	if cfg.RedisURL != "" {
		client, err := presence.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connect")
		}
		defer client.Close()
		tracker = presence.NewRedisTracker(client, logger)
	}

	statsUpdater := stats.NewStatsUpdater()
	h := hub.NewHub(logger, statsUpdater)
	manager := lifecycle.NewManager(repo, h, logger)
	tokens := auth.NewTokenManager(cfg.SigningKey, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, cfg.SessionTTL)

	chatServer := server.NewChatServer(logger, repo, h, manager, tracker, statsUpdater, server.ConfigFrom(cfg))
	srv := api.NewChatHubApp(http.NewServeMux(), logger, chatServer, repo, accounts, manager, tokens, statsUpdater, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("received signal")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server")
		}
	}

	shutDownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown")
	}

	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("chat server shutdown")
	}

	logger.Info().Msg("shutdown complete")
}

// seedStaffAccount creates the staff account described by entry
// (username:email:password) unless the email is already registered.
func seedStaffAccount(ctx context.Context, accounts database.AccountRepository, entry string) error {
	parts := strings.SplitN(entry, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return errors.New("expected username:email:password")
	}

	if _, _, err := accounts.GetAccountByEmail(ctx, parts[1]); err == nil {
		return nil
	} else if !errors.Is(err, database.ErrNotFound) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(parts[2]), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	seedCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err = accounts.CreateAccount(seedCtx, database.CreateAccountParams{
		Username:     parts[0],
		Email:        parts[1],
		PasswordHash: string(hash),
		IsStaff:      true,
	})
	return err
}
