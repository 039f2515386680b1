package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/npezzotti/go-chathub/internal/database"
	"github.com/npezzotti/go-chathub/internal/types"
)

const SessionCookieName = "chat_session"

// Credentials are what a connecting client presents.
type Credentials struct {
	Token         string
	Access        string
	SessionCookie string
}

// CredentialsFromRequest collects the token query parameters, the
// Authorization header and the session cookie. Query parameters win over the
// header.
func CredentialsFromRequest(r *http.Request) Credentials {
	q := r.URL.Query()
	creds := Credentials{
		Token:  q.Get("token"),
		Access: q.Get("access"),
	}
	if creds.Token == "" && creds.Access == "" {
		creds.Token = r.Header.Get("Authorization")
	}
	if c, err := r.Cookie(SessionCookieName); err == nil {
		creds.SessionCookie = c.Value
	}
	return creds
}

func (c Credentials) token() string {
	if c.Token != "" {
		return c.Token
	}
	return c.Access
}

// Identity is the outcome of authenticating one connection.
type Identity struct {
	Principal types.Principal
	// NewSession is set when the session id was minted for this request and
	// must be handed back to the client.
	NewSession bool
}

type Authenticator struct {
	tokens *TokenManager
	users  database.UserDirectory
}

func NewAuthenticator(tokens *TokenManager, users database.UserDirectory) *Authenticator {
	return &Authenticator{tokens: tokens, users: users}
}

// Authenticate never fails. A rejected token resolves to an anonymous
// principal with the reason recorded in Principal.AuthErr.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) Identity {
	var id Identity

	sid, err := a.tokens.VerifySession(creds.SessionCookie)
	if err != nil {
		sid = uuid.NewString()
		id.NewSession = true
	}

	raw := creds.token()
	if raw == "" {
		id.Principal = types.Anonymous(sid)
		return id
	}

	userId, err := a.tokens.Verify(raw)
	if err != nil {
		id.Principal = types.Anonymous(sid)
		id.Principal.AuthErr = err
		return id
	}

	user, err := a.users.GetUser(ctx, userId)
	if err != nil {
		id.Principal = types.Anonymous(sid)
		id.Principal.AuthErr = fmt.Errorf("%w: user lookup: %w", ErrTokenInvalid, err)
		return id
	}

	kind := types.PrincipalCustomer
	if user.IsStaff {
		kind = types.PrincipalStaff
	}
	id.Principal = types.Principal{
		Kind:      kind,
		UserId:    user.Id,
		SessionId: sid,
		User:      user,
	}
	return id
}

// SessionCookie builds the signed cookie carrying sessionId.
func (a *Authenticator) SessionCookie(sessionId string, secure bool) (*http.Cookie, error) {
	value, err := a.tokens.IssueSession(sessionId)
	if err != nil {
		return nil, err
	}

	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(a.tokens.SessionTTL().Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}, nil
}
