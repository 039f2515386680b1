package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chathub/internal/auth"
	"github.com/npezzotti/go-chathub/internal/config"
	"github.com/npezzotti/go-chathub/internal/database"
	"github.com/npezzotti/go-chathub/internal/lifecycle"
	"github.com/npezzotti/go-chathub/internal/server"
	"github.com/npezzotti/go-chathub/internal/stats"
	"github.com/rs/zerolog"
)

type ChatHubApp struct {
	log            zerolog.Logger
	repo           database.ChatRepository
	accounts       database.AccountRepository
	cs             *server.ChatServer
	manager        *lifecycle.Manager
	tokens         *auth.TokenManager
	authn          *auth.Authenticator
	stats          *stats.StatsUpdater
	srv            *http.Server
	upgrader       websocket.Upgrader
	allowedOrigins []string
	secureCookies  bool
	historyLimit   int
}

func NewChatHubApp(
	mux *http.ServeMux,
	logger zerolog.Logger,
	cs *server.ChatServer,
	repo database.ChatRepository,
	accounts database.AccountRepository,
	manager *lifecycle.Manager,
	tokens *auth.TokenManager,
	st *stats.StatsUpdater,
	cfg *config.Config,
) *ChatHubApp {
	s := &ChatHubApp{
		log:            logger.With().Str("component", "http").Logger(),
		repo:           repo,
		accounts:       accounts,
		cs:             cs,
		manager:        manager,
		tokens:         tokens,
		authn:          auth.NewAuthenticator(tokens, accounts),
		stats:          st,
		allowedOrigins: cfg.AllowedOrigins,
		secureCookies:  cfg.SecureCookies,
		historyLimit:   cfg.HistoryLimit,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("POST /api/auth/refresh", s.refresh)
	mux.HandleFunc("POST /api/chat/session", s.identify(s.chatSession))
	mux.HandleFunc("POST /api/chat/claim", s.identify(s.claimRoom))
	mux.HandleFunc("GET /api/chat/rooms", s.identify(s.listRooms))
	mux.HandleFunc("GET /api/chat/rooms/{room_id}/messages", s.identify(s.roomMessages))
	mux.HandleFunc("GET /api/chat/rooms/{room_id}/unread", s.identify(s.roomUnread))
	mux.HandleFunc("GET /ws/chat/{room}/", s.serveCustomerWs)
	mux.HandleFunc("GET /ws/staff/chat/", s.serveStaffWs)
	mux.HandleFunc("GET /healthz", s.healthCheck)
	if st != nil {
		mux.Handle("GET /metrics", st.Handler())
	}

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = handlers.CustomLoggingHandler(io.Discard, h, s.logRequest)
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *ChatHubApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *ChatHubApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.allowedOrigins, origin)
}

func (s *ChatHubApp) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP listener. Hijacked websocket connections are not
// tracked by net/http and are drained by the chat server instead.
func (s *ChatHubApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
