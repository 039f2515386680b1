package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-chathub/internal/types"
)

type CreateAccountParams struct {
	Username     string
	Email        string
	FirstName    string
	LastName     string
	PasswordHash string
	IsStaff      bool
}

func (p CreateAccountParams) validate() error {
	if p.Username == "" || p.Email == "" || p.PasswordHash == "" {
		return fmt.Errorf("%w: username, email and password are required", ErrInvalid)
	}
	return nil
}

const accountColumns = "id, username, email, first_name, last_name, is_staff, created_at"

func scanUser(row rowScanner, extra ...any) (types.User, error) {
	var u types.User
	dest := append([]any{
		&u.Id,
		&u.Username,
		&u.Email,
		&u.FirstName,
		&u.LastName,
		&u.IsStaff,
		&u.CreatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return types.User{}, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func (db *PgChatRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (types.User, error) {
	if err := params.validate(); err != nil {
		return types.User{}, err
	}

	user, err := scanUser(db.conn.QueryRowContext(ctx,
		"INSERT INTO accounts (id, username, email, first_name, last_name, password_hash, is_staff, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING "+accountColumns,
		uuid.NewString(),
		params.Username,
		strings.ToLower(params.Email),
		params.FirstName,
		params.LastName,
		params.PasswordHash,
		params.IsStaff,
		db.now().UTC(),
	))
	if isUniqueViolation(err) {
		return types.User{}, fmt.Errorf("account %q: %w", params.Email, ErrConflict)
	}
	return user, classify("create account", err)
}

func (db *PgChatRepository) GetUser(ctx context.Context, userId string) (types.User, error) {
	user, err := scanUser(db.conn.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = $1",
		userId,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return types.User{}, fmt.Errorf("user %q: %w", userId, ErrNotFound)
	}
	return user, classify("get user", err)
}

func (db *PgChatRepository) GetAccountByEmail(ctx context.Context, email string) (types.User, string, error) {
	var hash string
	user, err := scanUser(db.conn.QueryRowContext(ctx,
		"SELECT "+accountColumns+", password_hash FROM accounts WHERE email = $1",
		strings.ToLower(email),
	), &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return types.User{}, "", fmt.Errorf("account %q: %w", email, ErrNotFound)
	}
	if err != nil {
		return types.User{}, "", classify("get account", err)
	}
	return user, hash, nil
}

type memAccount struct {
	user types.User
	hash string
}

// MemoryAccountRepository keeps accounts in process memory.
type MemoryAccountRepository struct {
	mu      sync.RWMutex
	byId    map[string]memAccount
	byEmail map[string]string
}

func NewMemoryAccountRepository() *MemoryAccountRepository {
	return &MemoryAccountRepository{
		byId:    make(map[string]memAccount),
		byEmail: make(map[string]string),
	}
}

func (s *MemoryAccountRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (types.User, error) {
	if err := params.validate(); err != nil {
		return types.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(params.Email)
	if _, ok := s.byEmail[email]; ok {
		return types.User{}, fmt.Errorf("account %q: %w", params.Email, ErrConflict)
	}
	for _, acct := range s.byId {
		if acct.user.Username == params.Username {
			return types.User{}, fmt.Errorf("account %q: %w", params.Username, ErrConflict)
		}
	}

	user := types.User{
		Id:        uuid.NewString(),
		Username:  params.Username,
		Email:     email,
		FirstName: params.FirstName,
		LastName:  params.LastName,
		IsStaff:   params.IsStaff,
		CreatedAt: time.Now().UTC(),
	}
	s.byId[user.Id] = memAccount{user: user, hash: params.PasswordHash}
	s.byEmail[email] = user.Id

	return user, nil
}

func (s *MemoryAccountRepository) GetUser(ctx context.Context, userId string) (types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.byId[userId]
	if !ok {
		return types.User{}, fmt.Errorf("user %q: %w", userId, ErrNotFound)
	}
	return acct.user, nil
}

func (s *MemoryAccountRepository) GetAccountByEmail(ctx context.Context, email string) (types.User, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return types.User{}, "", fmt.Errorf("account %q: %w", email, ErrNotFound)
	}
	acct := s.byId[id]
	return acct.user, acct.hash, nil
}
