package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// mirrorTTL must exceed the heartbeat interval so a live connection's
	// entry never expires between refreshes.
	mirrorTTL         = 60 * time.Second
	mirrorKeyTemplate = "boardsync:presence:%s:%s"
	mirrorScanPattern = "boardsync:presence:%s:*"
)

// MirrorConfig configures the shared presence mirror.
type MirrorConfig struct {
	Address  string
	Password string
	DB       int
	Logger   *zap.Logger
}

// Mirror replicates the in-process registry into Redis so that online counts
// stay accurate when several server instances host connections for the same
// whiteboard. Entries expire on their own if an instance dies without
// cleaning up.
type Mirror struct {
	client *redis.Client
	logger *zap.Logger
}

// NewMirror connects to Redis and returns a Mirror.
func NewMirror(cfg MirrorConfig) *Mirror {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Mirror{client: client, logger: logger}
}

// Ping verifies the Redis connection.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// SetOnline records the user as present on the whiteboard with a TTL.
func (m *Mirror) SetOnline(ctx context.Context, boardID, userID string) error {
	key := fmt.Sprintf(mirrorKeyTemplate, boardID, userID)
	return m.client.Set(ctx, key, time.Now().Unix(), mirrorTTL).Err()
}

// Refresh extends the TTL of an existing presence entry. A missing entry is
// re-created: the connection is demonstrably alive if it heartbeats.
func (m *Mirror) Refresh(ctx context.Context, boardID, userID string) error {
	key := fmt.Sprintf(mirrorKeyTemplate, boardID, userID)
	extended, err := m.client.Expire(ctx, key, mirrorTTL).Result()
	if err != nil {
		return err
	}
	if !extended {
		return m.SetOnline(ctx, boardID, userID)
	}
	return nil
}

// SetOffline removes the user's presence entry for the whiteboard.
func (m *Mirror) SetOffline(ctx context.Context, boardID, userID string) error {
	key := fmt.Sprintf(mirrorKeyTemplate, boardID, userID)
	return m.client.Del(ctx, key).Err()
}

// OnlineUsers returns the user ids with a live entry for the whiteboard
// across all server instances.
func (m *Mirror) OnlineUsers(ctx context.Context, boardID string) ([]string, error) {
	pattern := fmt.Sprintf(mirrorScanPattern, boardID)
	prefix := fmt.Sprintf(mirrorKeyTemplate, boardID, "")

	users := make([]string, 0)
	iter := m.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if len(key) > len(prefix) {
			users = append(users, key[len(prefix):])
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// Close releases the Redis connection.
func (m *Mirror) Close() error {
	return m.client.Close()
}
