package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

const (
	DefaultSendQueueSize     = 64
	DefaultHistoryLimit      = 50
	DefaultMaxFrameBytes     = 32 * 1024
	DefaultKeepaliveInterval = 60 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultAccessTokenTTL    = 15 * time.Minute
	DefaultRefreshTokenTTL   = 7 * 24 * time.Hour
	DefaultSessionTTL        = 30 * 24 * time.Hour

	// Bounds documented as the minimum outbound queue a subscriber gets.
	minSendQueueSize = 64
	minSigningKeyLen = 32
)

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	RedisURL       string
	SigningKey     []byte
	AllowedOrigins []string
	SecureCookies  bool

	SendQueueSize     int
	HistoryLimit      int
	MaxFrameBytes     int64
	KeepaliveInterval time.Duration
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	SessionTTL      time.Duration
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

// NewConfig validates the required settings and fills every tunable with its
// default. An empty databaseDSN selects the in-memory store.
func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}
	if len(signingKey) < minSigningKeyLen {
		return nil, fmt.Errorf("signing secret must decode to at least %d bytes", minSigningKeyLen)
	}

	return &Config{
		ServerAddr:        serverAddr,
		DatabaseDSN:       databaseDSN,
		SigningKey:        signingKey,
		AllowedOrigins:    allowedOrigins,
		SendQueueSize:     DefaultSendQueueSize,
		HistoryLimit:      DefaultHistoryLimit,
		MaxFrameBytes:     DefaultMaxFrameBytes,
		KeepaliveInterval: DefaultKeepaliveInterval,
		WriteTimeout:      DefaultWriteTimeout,
		ShutdownTimeout:   DefaultShutdownTimeout,
		AccessTokenTTL:    DefaultAccessTokenTTL,
		RefreshTokenTTL:   DefaultRefreshTokenTTL,
		SessionTTL:        DefaultSessionTTL,
	}, nil
}

// Validate checks tunables that may have been overridden after NewConfig.
func (c *Config) Validate() error {
	switch {
	case c.SendQueueSize < minSendQueueSize:
		return fmt.Errorf("send queue size must be at least %d", minSendQueueSize)
	case c.HistoryLimit <= 0:
		return fmt.Errorf("history limit must be positive")
	case c.MaxFrameBytes <= 0:
		return fmt.Errorf("max frame bytes must be positive")
	case c.KeepaliveInterval <= 0 || c.WriteTimeout <= 0 || c.ShutdownTimeout <= 0:
		return fmt.Errorf("timeouts must be positive")
	case c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 || c.SessionTTL <= 0:
		return fmt.Errorf("token lifetimes must be positive")
	}
	return nil
}
