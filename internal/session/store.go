package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// OnlineKey is the Redis set holding the IDs of live connections.
	OnlineKey = "sessions:online"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour
)

// Session is a connection's presence record as stored in Redis.
type Session struct {
	ID          string `redis:"id"`
	Username    string `redis:"username"`     // empty until the user names itself
	Server      string `redis:"server"`       // which relay instance holds the socket
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string
	prefix     string
	onlineKey  string
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName, ""), nil
}

// NewStoreWithClient wraps an existing client. namespace, when non-empty, is
// prepended to every key so tests can share a Redis instance.
func NewStoreWithClient(client *redis.Client, serverName, namespace string) *Store {
	return &Store{
		client:     client,
		serverName: serverName,
		prefix:     namespace + SessionPrefix,
		onlineKey:  namespace + OnlineKey,
	}
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

// Create stores a new unnamed session with a 1h TTL and marks it online.
func (s *Store) Create(ctx context.Context, sessionID string, at time.Time) error {
	key := s.key(sessionID)

	session := map[string]interface{}{
		"id":           sessionID,
		"username":     "",
		"server":       s.serverName,
		"connected_at": at.Unix(),
		"last_active":  at.Unix(),
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, s.onlineKey, sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// SetUsername records the session's display name and refreshes the TTL.
func (s *Store) SetUsername(ctx context.Context, sessionID, username string, at time.Time) error {
	key := s.key(sessionID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "username", username, "last_active", at.Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch refreshes last_active and the TTL.
func (s *Store) Touch(ctx context.Context, sessionID string, at time.Time) error {
	key := s.key(sessionID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "last_active", at.Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	if err := s.client.HGetAll(ctx, s.key(sessionID)).Scan(&session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil
	}
	return &session, nil
}

// Online returns the IDs of all sessions currently marked online.
func (s *Store) Online(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, s.onlineKey).Result()
}

// Delete removes a session and its online marker.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(sessionID))
	pipe.SRem(ctx, s.onlineKey, sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
