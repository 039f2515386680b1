package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
)

type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
	TokenSession TokenKind = "session"
)

const (
	tokenTypeClaim = "token_type"
	userIdClaim    = "user_id"
	sessionClaim   = "sid"
	expClaim       = "exp"
	iatClaim       = "iat"
	jtiClaim       = "jti"

	bearerPrefix = "bearer "
)

// TokenVerifier turns a raw access credential into a user id.
type TokenVerifier interface {
	Verify(raw string) (string, error)
}

// TokenManager issues and verifies the HS256 tokens used by the hub: access
// and refresh tokens for users, and session tokens carried in the anonymous
// session cookie.
type TokenManager struct {
	key        []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	sessionTTL time.Duration
	now        func() time.Time
}

func NewTokenManager(key []byte, accessTTL, refreshTTL, sessionTTL time.Duration) *TokenManager {
	return &TokenManager{
		key:        key,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		sessionTTL: sessionTTL,
		now:        time.Now,
	}
}

func (m *TokenManager) SessionTTL() time.Duration {
	return m.sessionTTL
}

func (m *TokenManager) IssueAccess(userId string) (string, error) {
	return m.issue(TokenAccess, userIdClaim, userId, m.accessTTL)
}

func (m *TokenManager) IssueRefresh(userId string) (string, error) {
	return m.issue(TokenRefresh, userIdClaim, userId, m.refreshTTL)
}

func (m *TokenManager) IssueSession(sessionId string) (string, error) {
	return m.issue(TokenSession, sessionClaim, sessionId, m.sessionTTL)
}

func (m *TokenManager) issue(kind TokenKind, subjectClaim, subject string, ttl time.Duration) (string, error) {
	now := m.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		tokenTypeClaim: string(kind),
		subjectClaim:   subject,
		iatClaim:       now.Unix(),
		expClaim:       now.Add(ttl).Unix(),
		jtiClaim:       uuid.NewString(),
	})

	return token.SignedString(m.key)
}

// Verify accepts only access tokens and returns the user id they carry.
func (m *TokenManager) Verify(raw string) (string, error) {
	return m.verify(raw, TokenAccess, userIdClaim)
}

// VerifyRefresh accepts only refresh tokens.
func (m *TokenManager) VerifyRefresh(raw string) (string, error) {
	return m.verify(raw, TokenRefresh, userIdClaim)
}

// VerifySession returns the session id carried by a session cookie value.
func (m *TokenManager) VerifySession(raw string) (string, error) {
	return m.verify(raw, TokenSession, sessionClaim)
}

func (m *TokenManager) verify(raw string, want TokenKind, subjectClaim string) (string, error) {
	raw = stripBearer(raw)
	if raw == "" {
		return "", ErrTokenMissing
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.key, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return "", ErrTokenInvalid
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrTokenInvalid
	}

	// exp is optional in MapClaims.Valid; every token the hub issues has one.
	if _, ok := claims[expClaim]; !ok {
		return "", fmt.Errorf("%w: missing exp", ErrTokenInvalid)
	}

	kind, _ := claims[tokenTypeClaim].(string)
	if TokenKind(kind) != want {
		return "", fmt.Errorf("%w: got %q", ErrTokenWrongKind, kind)
	}

	subject, ok := claims[subjectClaim].(string)
	if !ok || subject == "" {
		return "", fmt.Errorf("%w: missing %s claim", ErrTokenInvalid, subjectClaim)
	}

	return subject, nil
}

func stripBearer(raw string) string {
	raw = strings.TrimLeft(raw, " ")
	if len(raw) >= len(bearerPrefix) && strings.EqualFold(raw[:len(bearerPrefix)], bearerPrefix) {
		raw = raw[len(bearerPrefix):]
	}
	return strings.TrimSpace(raw)
}
