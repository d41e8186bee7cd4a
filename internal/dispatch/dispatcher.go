// Package dispatch drives the periodic matching tick: it gates on the ANN
// artifact, takes the cross-process scheduling lock, snapshots and filters
// the shared waiting set, runs the matcher, allocates room ids, and pushes
// assignments to the matched users.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lyncup/engine/internal/ann"
	"github.com/lyncup/engine/internal/match"
	"github.com/lyncup/engine/internal/metrics"
	"github.com/lyncup/engine/internal/queue"
)

// ErrInvariant marks a programming error detected at the tick boundary,
// such as an undersized group outside the terminal leftover chunk. The tick
// aborts; the process supervisor decides whether to keep running.
var ErrInvariant = errors.New("dispatch: group invariant violated")

// SharedState is the cross-process state the tick mutates: the waiting set,
// the room counter and registry, and the scheduling lock. store.Store is
// the production implementation.
type SharedState interface {
	WaitingMembers(ctx context.Context) ([]int64, error)
	RemoveWaiting(ctx context.Context, userIDs ...int64) (int64, error)
	NextRoomID(ctx context.Context) (int64, error)
	RegisterRoom(ctx context.Context, roomID int64) error
	AcquireLock(ctx context.Context, ttl time.Duration) (release func(), acquired bool, err error)
}

// IdentityCatalog filters waiting ids down to users that actually exist.
type IdentityCatalog interface {
	FilterKnown(ctx context.Context, ids []int64) ([]int64, error)
}

// Publisher delivers one room assignment to one user.
type Publisher interface {
	PublishRoomAssignment(ctx context.Context, userID, roomID int64) error
}

// IndexSource yields the current ANN index, or ann.ErrNotFound before the
// first build.
type IndexSource interface {
	Load() (*ann.Index, error)
}

// Dispatcher executes one matching tick at a time. All collaborators are
// held by capability so tests can substitute fakes.
type Dispatcher struct {
	state     SharedState
	identity  IdentityCatalog
	publisher Publisher
	loader    IndexSource
	clock     queue.Clock
	params    match.Params
	lockTTL   time.Duration
}

// New creates a dispatcher. A nil clock means the system clock.
func New(state SharedState, identity IdentityCatalog, publisher Publisher, loader IndexSource, clock queue.Clock, params match.Params, lockTTL time.Duration) *Dispatcher {
	if clock == nil {
		clock = queue.SystemClock{}
	}
	if lockTTL == 0 {
		lockTTL = 60 * time.Second
	}
	return &Dispatcher{
		state:     state,
		identity:  identity,
		publisher: publisher,
		loader:    loader,
		clock:     clock,
		params:    params.Defaults(),
		lockTTL:   lockTTL,
	}
}

// Tick runs one full matching round. Errors classify per the engine's
// taxonomy: artifact absence is expected and returns nil; transient external
// failures and invariant violations abort the tick with the lock released.
func (d *Dispatcher) Tick(ctx context.Context) error {
	metrics.TicksTotal.Inc()
	start := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	index, err := d.loader.Load()
	if errors.Is(err, ann.ErrNotFound) {
		metrics.TicksSkipped.WithLabelValues("artifact_missing").Inc()
		slog.Info("[Dispatcher] Skipping tick: ANN artifact not built yet")
		return nil
	}
	if err != nil {
		metrics.TicksSkipped.WithLabelValues("artifact_error").Inc()
		return fmt.Errorf("load ann index: %w", err)
	}

	release, acquired, err := d.state.AcquireLock(ctx, d.lockTTL)
	if err != nil {
		return fmt.Errorf("scheduling lock: %w", err)
	}
	if !acquired {
		metrics.LockContention.Inc()
		slog.Debug("[Dispatcher] Another worker holds the scheduling lock, skipping")
		return nil
	}
	defer release()

	// The lock TTL is the hard upper bound of this tick; bail out rather
	// than run past it with the lock expired underneath us.
	ctx, cancel := context.WithTimeout(ctx, d.lockTTL)
	defer cancel()

	waiting, err := d.state.WaitingMembers(ctx)
	if err != nil {
		return fmt.Errorf("snapshot waiting set: %w", err)
	}
	metrics.WaitingUsers.Set(float64(len(waiting)))
	if len(waiting) == 0 {
		slog.Debug("[Dispatcher] Waiting set empty, nothing to match")
		return nil
	}

	known, err := d.identity.FilterKnown(ctx, waiting)
	if err != nil {
		return fmt.Errorf("filter waiting users: %w", err)
	}
	if dropped := len(waiting) - len(known); dropped > 0 {
		slog.Warn("[Dispatcher] Dropping unknown users from this round", "count", dropped)
	}
	if len(known) < d.params.MinGroup {
		// Below the minimum group size nothing can form, not even via the
		// leftover drain: the stragglers stay waiting for the next tick.
		slog.Debug("[Dispatcher] Not enough users to match", "known", len(known))
		return nil
	}

	q := queue.NewManager(d.clock)
	for _, id := range known {
		q.Add(queue.BucketGlobal, id)
	}

	groups := match.RunBatch(q, index, d.params)

	matched, err := d.assignAndPublish(ctx, groups)
	if err != nil {
		return err
	}

	if len(matched) > 0 {
		if _, err := d.state.RemoveWaiting(ctx, matched...); err != nil {
			return fmt.Errorf("remove matched users: %w", err)
		}
		metrics.UsersMatched.Add(float64(len(matched)))
	}

	slog.Info("[Dispatcher] Tick completed",
		"waiting", len(waiting),
		"known", len(known),
		"matched", len(matched),
		"duration", time.Since(start))
	return nil
}

// assignAndPublish allocates a room id per group, in emission order, and
// publishes the assignment to every member. Publish failures are soft: the
// user is logged, skipped, and left in the waiting set for the next tick.
func (d *Dispatcher) assignAndPublish(ctx context.Context, groups map[string][]match.Group) ([]int64, error) {
	var matched []int64
	for _, bucket := range bucketOrder(groups) {
		gs := groups[bucket]
		for i, g := range gs {
			min := d.params.MinGroup
			// Only the terminal leftover chunk may legally run short.
			if bucket == queue.BucketLeftover && i == len(gs)-1 {
				min = 2
			}
			if err := d.checkGroup(bucket, g, min); err != nil {
				return nil, err
			}

			roomID, err := d.state.NextRoomID(ctx)
			if err != nil {
				return nil, fmt.Errorf("allocate room id: %w", err)
			}
			if err := d.state.RegisterRoom(ctx, roomID); err != nil {
				// The registry is bookkeeping for the chat subsystem, not a
				// correctness dependency of this tick.
				slog.Warn("[Dispatcher] Failed to register room", "room_id", roomID, "error", err)
			}

			for _, userID := range g.UserIDs() {
				if err := d.publisher.PublishRoomAssignment(ctx, userID, roomID); err != nil {
					metrics.PublishFailures.Inc()
					slog.Error("[Dispatcher] Failed to publish room assignment",
						"user_id", userID, "room_id", roomID, "error", err)
					continue
				}
				matched = append(matched, userID)
			}
			metrics.GroupsFormed.WithLabelValues(bucket).Inc()
			slog.Debug("[Dispatcher] Room assigned", "room_id", roomID, "bucket", bucket, "size", len(g.Members))
		}
	}
	return matched, nil
}

// checkGroup enforces the size and uniqueness invariants. min is the
// caller-determined lower bound: MinGroup everywhere except the terminal
// leftover chunk, which may run down to a pair.
func (d *Dispatcher) checkGroup(bucket string, g match.Group, min int) error {
	if len(g.Members) < min || len(g.Members) > d.params.MaxGroup {
		return fmt.Errorf("%w: bucket %q emitted group of %d", ErrInvariant, bucket, len(g.Members))
	}
	seen := make(map[int64]bool, len(g.Members))
	for _, e := range g.Members {
		if seen[e.UserID] {
			return fmt.Errorf("%w: duplicate user %d in group", ErrInvariant, e.UserID)
		}
		seen[e.UserID] = true
	}
	return nil
}

// bucketOrder returns the group buckets with leftover last, matching the
// order the matcher emits them; room ids then increase in emission order.
func bucketOrder(groups map[string][]match.Group) []string {
	names := make([]string, 0, len(groups))
	for name := range groups {
		if name != queue.BucketLeftover {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := groups[queue.BucketLeftover]; ok {
		names = append(names, queue.BucketLeftover)
	}
	return names
}
