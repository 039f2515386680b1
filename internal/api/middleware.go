package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-chathub/internal/auth"
)

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(auth.Identity)
	return id, ok
}

func (s *ChatHubApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Error().Err(panicError).Str("path", r.URL.Path).Msg("panic")
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// identify resolves the caller's principal. It never rejects a request; a
// freshly minted session id is handed back as the session cookie.
func (s *ChatHubApp) identify(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.authenticate(w, r)
		if !ok {
			return
		}

		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next(w, r.WithContext(WithIdentity(r.Context(), id)))
	}
}

// authenticate resolves the principal and, for new sessions, sets the cookie
// on w. It writes an error response and returns false if the cookie cannot be
// issued.
func (s *ChatHubApp) authenticate(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id := s.authn.Authenticate(r.Context(), auth.CredentialsFromRequest(r))
	if id.Principal.AuthErr != nil {
		s.log.Debug().Err(id.Principal.AuthErr).Msg("token rejected, continuing as anonymous")
	}

	if id.NewSession {
		cookie, err := s.authn.SessionCookie(id.Principal.SessionId, s.secureCookies)
		if err != nil {
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return auth.Identity{}, false
		}
		http.SetCookie(w, cookie)
	}
	return id, true
}

func (s *ChatHubApp) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	s.log.Info().
		Str("method", p.Request.Method).
		Str("path", p.URL.Path).
		Int("status", p.StatusCode).
		Int("size", p.Size).
		Dur("latency", time.Since(p.TimeStamp)).
		Msg("request")
}
