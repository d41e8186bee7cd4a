// Package store is the typed façade over the shared Redis state: the
// waiting set, the room counter, the in-use room registry, and the
// scheduling lock. It hides key names and string serialization behind
// engine-level operations.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Shared store keys. The names are part of the deployed protocol and must
// not change without migrating the store.
const (
	KeyQueue      = "queue"
	KeyRooms      = "rooms"
	KeyLastRoomID = "last_room_id"
	KeyMatchLock  = "run_matching_algo_lock"
)

// RedisClient is the minimal command surface the store needs. Any Redis
// library can satisfy it; internal/infra wraps go-redis v9.
type RedisClient interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns "" with a nil error for missing keys.
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
}

// Store wraps the shared Redis keys with typed operations.
type Store struct {
	client RedisClient
}

// New creates a store over the given client.
func New(client RedisClient) *Store {
	return &Store{client: client}
}

// WaitingMembers snapshots the waiting set as integer user ids. Malformed
// members are dropped with a warning, never propagated.
func (s *Store) WaitingMembers(ctx context.Context) ([]int64, error) {
	members, err := s.client.SMembers(ctx, KeyQueue)
	if err != nil {
		return nil, fmt.Errorf("read waiting set: %w", err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			slog.Warn("[Store] Dropping non-integer id in waiting set", "member", m)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// AddWaiting puts a user into the waiting set.
func (s *Store) AddWaiting(ctx context.Context, userID int64) error {
	if err := s.client.SAdd(ctx, KeyQueue, strconv.FormatInt(userID, 10)); err != nil {
		return fmt.Errorf("add to waiting set: %w", err)
	}
	return nil
}

// RemoveWaiting removes the given users from the waiting set and returns
// how many were actually members.
func (s *Store) RemoveWaiting(ctx context.Context, userIDs ...int64) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	members := make([]string, len(userIDs))
	for i, id := range userIDs {
		members[i] = strconv.FormatInt(id, 10)
	}
	n, err := s.client.SRem(ctx, KeyQueue, members...)
	if err != nil {
		return 0, fmt.Errorf("remove from waiting set: %w", err)
	}
	return n, nil
}

// NextRoomID atomically allocates the next room id. Ids are strictly
// monotonic across all scheduler processes; the first allocation returns 1.
func (s *Store) NextRoomID(ctx context.Context) (int64, error) {
	id, err := s.client.Incr(ctx, KeyLastRoomID)
	if err != nil {
		return 0, fmt.Errorf("increment room counter: %w", err)
	}
	return id, nil
}

// RegisterRoom records a room id as in-use for the chat subsystem.
func (s *Store) RegisterRoom(ctx context.Context, roomID int64) error {
	if err := s.client.SAdd(ctx, KeyRooms, strconv.FormatInt(roomID, 10)); err != nil {
		return fmt.Errorf("register room: %w", err)
	}
	return nil
}

// AcquireLock attempts the scheduling lock with a set-if-absent and TTL.
// When acquired, the returned release function deletes the lock only if the
// stored owner token is still ours; release is best-effort and safe to call
// on every exit path. The TTL bounds the tick: a slow worker can lose the
// lock underneath itself, which callers must treat as acceptable advisory
// semantics.
func (s *Store) AcquireLock(ctx context.Context, ttl time.Duration) (release func(), acquired bool, err error) {
	token := uuid.New().String()
	ok, err := s.client.SetNX(ctx, KeyMatchLock, token, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("acquire scheduling lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release = func() {
		// Fresh context: release must proceed even if the tick's context
		// is already cancelled.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		val, err := s.client.Get(rctx, KeyMatchLock)
		if err != nil {
			slog.Warn("[Store] Lock release read failed", "error", err)
			return
		}
		if val != token {
			slog.Warn("[Store] Lock expired under this worker, not deleting")
			return
		}
		if err := s.client.Del(rctx, KeyMatchLock); err != nil {
			slog.Warn("[Store] Lock release delete failed", "error", err)
		}
	}
	return release, true, nil
}
