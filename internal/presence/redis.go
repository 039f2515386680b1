package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/npezzotti/go-chathub/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// onlineTTL bounds how long a hash survives a crashed process that never
// removed its entries.
const onlineTTL = 24 * time.Hour

// RedisTracker keeps one hash per room: field is the connection id, value
// the participant as JSON.
type RedisTracker struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisTracker(client *redis.Client, log zerolog.Logger) *RedisTracker {
	return &RedisTracker{
		client: client,
		log:    log.With().Str("component", "presence").Logger(),
	}
}

// NewRedisClient parses url and checks the server is reachable.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func onlineKey(roomId string) string {
	return fmt.Sprintf("chat:room:%s:online", roomId)
}

func (r *RedisTracker) Join(ctx context.Context, roomId, connId string, who types.Participant) (bool, error) {
	data, err := json.Marshal(who)
	if err != nil {
		return false, err
	}

	key := onlineKey(roomId)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, connId, data)
		pipe.Expire(ctx, key, onlineTTL)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("presence join: %w", err)
	}

	entries, err := r.entries(ctx, key)
	if err != nil {
		return false, err
	}
	return countOf(entries, who) == 1, nil
}

func (r *RedisTracker) Leave(ctx context.Context, roomId, connId string, who types.Participant) (bool, error) {
	key := onlineKey(roomId)
	if err := r.client.HDel(ctx, key, connId).Err(); err != nil {
		return false, fmt.Errorf("presence leave: %w", err)
	}

	entries, err := r.entries(ctx, key)
	if err != nil {
		return false, err
	}
	return countOf(entries, who) == 0, nil
}

func (r *RedisTracker) Online(ctx context.Context, roomId string) ([]types.Participant, error) {
	entries, err := r.entries(ctx, onlineKey(roomId))
	if err != nil {
		return nil, err
	}
	return distinct(entries), nil
}

func (r *RedisTracker) entries(ctx context.Context, key string) ([]types.Participant, error) {
	result, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list: %w", err)
	}

	entries := make([]types.Participant, 0, len(result))
	for field, data := range result {
		var p types.Participant
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			r.log.Warn().Err(err).Str("key", key).Str("field", field).Msg("dropping malformed presence entry")
			continue
		}
		entries = append(entries, p)
	}
	return entries, nil
}
