package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned when no active session is cached.
var ErrCacheMiss = errors.New("active session not cached")

// ActiveSession is the cached view of an open session.
type ActiveSession struct {
	SessionID      string    `json:"session_id"`
	TransactionID  string    `json:"transaction_id"`
	DeviceID       string    `json:"device_id"`
	UserID         string    `json:"user_id"`
	StartTime      time.Time `json:"start_time"`
	AmountPaid     float64   `json:"amount_paid"`
	EnergySelected float64   `json:"energy_selected"`
}

// Store manages the active session cache and the start guard.
type Store struct {
	client   *redis.Client
	ttl      time.Duration
	guardTTL time.Duration
}

// NewStore returns redis-backed store.
func NewStore(client *redis.Client, ttl, guardTTL time.Duration) *Store {
	return &Store{client: client, ttl: ttl, guardTTL: guardTTL}
}

func (s *Store) key(userID, deviceID string) string {
	return fmt.Sprintf("sessions:active:%s:%s", userID, deviceID)
}

func (s *Store) guardKey(transactionID string) string {
	return fmt.Sprintf("sessions:start:%s", transactionID)
}

// Save caches session.
func (s *Store) Save(ctx context.Context, session ActiveSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(session.UserID, session.DeviceID), data, s.ttl).Err()
}

// Get returns cached session.
func (s *Store) Get(ctx context.Context, userID, deviceID string) (*ActiveSession, error) {
	result, err := s.client.Get(ctx, s.key(userID, deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	var session ActiveSession
	if err := json.Unmarshal([]byte(result), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Delete removes cached session.
func (s *Store) Delete(ctx context.Context, userID, deviceID string) error {
	return s.client.Del(ctx, s.key(userID, deviceID)).Err()
}

// AcquireStart claims the right to start the transaction. It reports false when another
// start of the same transaction holds the guard.
func (s *Store) AcquireStart(ctx context.Context, transactionID string) (bool, error) {
	return s.client.SetNX(ctx, s.guardKey(transactionID), time.Now().UTC().Format(time.RFC3339Nano), s.guardTTL).Result()
}

// ReleaseStart drops the start guard.
func (s *Store) ReleaseStart(ctx context.Context, transactionID string) error {
	return s.client.Del(ctx, s.guardKey(transactionID)).Err()
}
