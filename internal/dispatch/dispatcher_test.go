package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyncup/engine/internal/ann"
	"github.com/lyncup/engine/internal/match"
	"github.com/lyncup/engine/internal/queue"
)

type fakeState struct {
	waiting    map[int64]bool
	rooms      []int64
	lastRoomID int64

	lockHeld     bool
	lockDenied   bool
	releaseCalls int

	waitingErr error
	removeErr  error
	roomErr    error
}

func newFakeState(waiting ...int64) *fakeState {
	s := &fakeState{waiting: make(map[int64]bool)}
	for _, id := range waiting {
		s.waiting[id] = true
	}
	return s
}

func (s *fakeState) WaitingMembers(ctx context.Context) ([]int64, error) {
	if s.waitingErr != nil {
		return nil, s.waitingErr
	}
	ids := make([]int64, 0, len(s.waiting))
	for id := range s.waiting {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *fakeState) RemoveWaiting(ctx context.Context, userIDs ...int64) (int64, error) {
	if s.removeErr != nil {
		return 0, s.removeErr
	}
	var n int64
	for _, id := range userIDs {
		if s.waiting[id] {
			delete(s.waiting, id)
			n++
		}
	}
	return n, nil
}

func (s *fakeState) NextRoomID(ctx context.Context) (int64, error) {
	if s.roomErr != nil {
		return 0, s.roomErr
	}
	s.lastRoomID++
	return s.lastRoomID, nil
}

func (s *fakeState) RegisterRoom(ctx context.Context, roomID int64) error {
	s.rooms = append(s.rooms, roomID)
	return nil
}

func (s *fakeState) AcquireLock(ctx context.Context, ttl time.Duration) (func(), bool, error) {
	if s.lockDenied {
		return nil, false, nil
	}
	s.lockHeld = true
	return func() {
		s.lockHeld = false
		s.releaseCalls++
	}, true, nil
}

type fakeIdentity struct {
	unknown map[int64]bool
	err     error
}

func (f *fakeIdentity) FilterKnown(ctx context.Context, ids []int64) ([]int64, error) {
	if f.err != nil {
		return nil, f.err
	}
	known := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !f.unknown[id] {
			known = append(known, id)
		}
	}
	return known, nil
}

type publishedMsg struct {
	UserID int64
	RoomID int64
}

type fakePublisher struct {
	sent    []publishedMsg
	failFor map[int64]bool
}

func (f *fakePublisher) PublishRoomAssignment(ctx context.Context, userID, roomID int64) error {
	if f.failFor[userID] {
		return errors.New("broker unavailable")
	}
	f.sent = append(f.sent, publishedMsg{UserID: userID, RoomID: roomID})
	return nil
}

type fakeLoader struct {
	index *ann.Index
	err   error
}

func (f *fakeLoader) Load() (*ann.Index, error) { return f.index, f.err }

// indexFor builds a small real index over the given users. Everyone shares a
// near-identical vector, so all waiting users are mutual neighbors.
func indexFor(t *testing.T, ids ...int64) *ann.Index {
	t.Helper()
	vecs := make(map[int64][]float64, len(ids))
	for i, id := range ids {
		vecs[id] = []float64{1, 0.001 * float64(i+1)}
	}
	ix, err := ann.Build(vecs, 2, 2, 1)
	require.NoError(t, err)
	return ix
}

func newTestDispatcher(state *fakeState, identity *fakeIdentity, pub *fakePublisher, loader *fakeLoader) *Dispatcher {
	return New(state, identity, pub, loader, nil, match.Params{}, time.Minute)
}

func TestTick_SkipsWhenArtifactMissing(t *testing.T) {
	state := newFakeState(1, 2, 3, 4)
	d := newTestDispatcher(state, &fakeIdentity{}, &fakePublisher{}, &fakeLoader{err: ann.ErrNotFound})

	require.NoError(t, d.Tick(context.Background()))
	assert.False(t, state.lockHeld, "tick must not take the lock without an index")
	assert.Len(t, state.waiting, 4, "waiting set must be untouched")
}

func TestTick_AbortsOnMalformedArtifact(t *testing.T) {
	d := newTestDispatcher(newFakeState(), &fakeIdentity{}, &fakePublisher{}, &fakeLoader{err: ann.ErrMalformed})
	assert.ErrorIs(t, d.Tick(context.Background()), ann.ErrMalformed)
}

func TestTick_SkipsWhenLockContended(t *testing.T) {
	state := newFakeState(1, 2, 3, 4)
	state.lockDenied = true
	pub := &fakePublisher{}
	d := newTestDispatcher(state, &fakeIdentity{}, pub, &fakeLoader{index: indexFor(t, 1, 2, 3, 4)})

	require.NoError(t, d.Tick(context.Background()))
	assert.Empty(t, pub.sent)
	assert.Len(t, state.waiting, 4)
}

func TestTick_EmptyWaitingSet(t *testing.T) {
	state := newFakeState()
	d := newTestDispatcher(state, &fakeIdentity{}, &fakePublisher{}, &fakeLoader{index: indexFor(t, 1, 2)})

	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, 1, state.releaseCalls, "lock must be released on the empty path")
	assert.Zero(t, state.lastRoomID)
}

func TestTick_FewerThanMinGroupKnownUsers(t *testing.T) {
	// Four users wait but only two are known: below the minimum group size
	// nothing forms, no room is allocated, and the waiting set is untouched.
	state := newFakeState(100, 101, 102, 103)
	identity := &fakeIdentity{unknown: map[int64]bool{102: true, 103: true}}
	pub := &fakePublisher{}
	d := newTestDispatcher(state, identity, pub, &fakeLoader{index: indexFor(t, 100, 101)})

	require.NoError(t, d.Tick(context.Background()))
	assert.Empty(t, pub.sent)
	assert.Zero(t, state.lastRoomID)
	assert.Len(t, state.waiting, 4, "waiting set must be unchanged")
	assert.Equal(t, 1, state.releaseCalls)
}

func TestTick_FullFlow(t *testing.T) {
	state := newFakeState(1, 2, 3, 4)
	pub := &fakePublisher{}
	d := newTestDispatcher(state, &fakeIdentity{}, pub, &fakeLoader{index: indexFor(t, 1, 2, 3, 4)})

	require.NoError(t, d.Tick(context.Background()))

	// One group of four, one room, first id is 1.
	require.Len(t, pub.sent, 4)
	users := make([]int64, 0, 4)
	for _, m := range pub.sent {
		assert.Equal(t, int64(1), m.RoomID)
		users = append(users, m.UserID)
	}
	assert.ElementsMatch(t, []int64{1, 2, 3, 4}, users)
	assert.Equal(t, []int64{1}, state.rooms)
	assert.Empty(t, state.waiting, "all published users leave the waiting set")
	assert.Equal(t, 1, state.releaseCalls)
}

func TestTick_PublishFailureLeavesUserWaiting(t *testing.T) {
	state := newFakeState(1, 2, 3, 4)
	pub := &fakePublisher{failFor: map[int64]bool{3: true}}
	d := newTestDispatcher(state, &fakeIdentity{}, pub, &fakeLoader{index: indexFor(t, 1, 2, 3, 4)})

	require.NoError(t, d.Tick(context.Background()), "publish failure is soft")

	assert.Len(t, pub.sent, 3)
	assert.True(t, state.waiting[3], "unreached user must remain waiting")
	assert.False(t, state.waiting[1])
	assert.False(t, state.waiting[2])
	assert.False(t, state.waiting[4])
}

func TestTick_RoomIDsMonotonicAcrossTicks(t *testing.T) {
	state := newFakeState(1, 2, 3, 4)
	pub := &fakePublisher{}
	d := newTestDispatcher(state, &fakeIdentity{}, pub, &fakeLoader{index: indexFor(t, 1, 2, 3, 4, 5, 6, 7, 8)})

	require.NoError(t, d.Tick(context.Background()))
	for _, id := range []int64{5, 6, 7, 8} {
		state.waiting[id] = true
	}
	require.NoError(t, d.Tick(context.Background()))

	require.Len(t, pub.sent, 8)
	assert.Equal(t, int64(1), pub.sent[0].RoomID)
	assert.Equal(t, int64(2), pub.sent[len(pub.sent)-1].RoomID)
	assert.Equal(t, []int64{1, 2}, state.rooms)
}

func TestTick_AbortsOnWaitingSnapshotError(t *testing.T) {
	state := newFakeState(1, 2, 3, 4)
	state.waitingErr = errors.New("connection reset")
	d := newTestDispatcher(state, &fakeIdentity{}, &fakePublisher{}, &fakeLoader{index: indexFor(t, 1, 2)})

	err := d.Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, state.releaseCalls, "lock must be released on the error path")
}

func TestTick_AbortsOnIdentityError(t *testing.T) {
	state := newFakeState(1, 2, 3, 4)
	d := newTestDispatcher(state, &fakeIdentity{err: errors.New("db down")}, &fakePublisher{}, &fakeLoader{index: indexFor(t, 1, 2)})

	require.Error(t, d.Tick(context.Background()))
	assert.Equal(t, 1, state.releaseCalls)
}

func TestTick_AbortsOnRoomCounterError(t *testing.T) {
	state := newFakeState(1, 2, 3, 4)
	state.roomErr = errors.New("INCR failed")
	pub := &fakePublisher{}
	d := newTestDispatcher(state, &fakeIdentity{}, pub, &fakeLoader{index: indexFor(t, 1, 2, 3, 4)})

	require.Error(t, d.Tick(context.Background()))
	assert.Empty(t, pub.sent)
	assert.Len(t, state.waiting, 4)
}

func group(ids ...int64) match.Group {
	g := match.Group{}
	for _, id := range ids {
		g.Members = append(g.Members, queue.Entry{UserID: id})
	}
	return g
}

func TestCheckGroup_Sizes(t *testing.T) {
	d := newTestDispatcher(newFakeState(), &fakeIdentity{}, &fakePublisher{}, &fakeLoader{})

	assert.NoError(t, d.checkGroup(queue.BucketGlobal, group(1, 2, 3), 3))
	assert.NoError(t, d.checkGroup(queue.BucketGlobal, group(1, 2, 3, 4), 3))
	assert.ErrorIs(t, d.checkGroup(queue.BucketGlobal, group(1, 2), 3), ErrInvariant)
	assert.ErrorIs(t, d.checkGroup(queue.BucketGlobal, group(1, 2, 3, 4, 5), 3), ErrInvariant)

	// The relaxed bound used for the terminal leftover chunk admits a pair
	// but never a singleton.
	assert.NoError(t, d.checkGroup(queue.BucketLeftover, group(1, 2), 2))
	assert.ErrorIs(t, d.checkGroup(queue.BucketLeftover, group(1), 2), ErrInvariant)

	assert.ErrorIs(t, d.checkGroup(queue.BucketGlobal, group(1, 2, 1), 3), ErrInvariant)
}

func TestAssignAndPublish_OnlyTerminalLeftoverChunkMayBeShort(t *testing.T) {
	state := newFakeState(1, 2, 3, 4, 5, 6)
	pub := &fakePublisher{}
	d := newTestDispatcher(state, &fakeIdentity{}, pub, &fakeLoader{})

	// A short chunk before a full one is a matcher bug, not a terminal
	// remainder; it must trip the invariant before anything is published.
	_, err := d.assignAndPublish(context.Background(), map[string][]match.Group{
		queue.BucketLeftover: {group(1, 2), group(3, 4, 5, 6)},
	})
	require.ErrorIs(t, err, ErrInvariant)
	assert.Empty(t, pub.sent)

	// The same pair in terminal position is the legal remainder.
	matched, err := d.assignAndPublish(context.Background(), map[string][]match.Group{
		queue.BucketLeftover: {group(3, 4, 5, 6), group(1, 2)},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 3, 4, 5, 6}, matched)
}

func TestBucketOrder_LeftoverLast(t *testing.T) {
	groups := map[string][]match.Group{
		queue.BucketLeftover: {},
		"cluster-b":          {},
		"cluster-a":          {},
	}
	assert.Equal(t, []string{"cluster-a", "cluster-b", queue.BucketLeftover}, bucketOrder(groups))
}

func TestAssignAndPublish_InvariantAbortBeforeAnyPublish(t *testing.T) {
	state := newFakeState(1, 2, 3, 4)
	pub := &fakePublisher{}
	d := newTestDispatcher(state, &fakeIdentity{}, pub, &fakeLoader{})

	undersized := match.Group{Members: []queue.Entry{{UserID: 1}, {UserID: 2}}}
	_, err := d.assignAndPublish(context.Background(), map[string][]match.Group{
		queue.BucketGlobal: {undersized},
	})
	require.ErrorIs(t, err, ErrInvariant)
	assert.Empty(t, pub.sent, "nothing may be published after an invariant abort")
	assert.Zero(t, state.lastRoomID, "no room may be allocated for a rejected group")
}

func TestTick_ErrorsAreWrappedWithStage(t *testing.T) {
	state := newFakeState(1, 2)
	cause := errors.New("redis: i/o timeout")
	state.waitingErr = cause
	d := newTestDispatcher(state, &fakeIdentity{}, &fakePublisher{}, &fakeLoader{index: indexFor(t, 1, 2)})

	err := d.Tick(context.Background())
	require.ErrorIs(t, err, cause)
	assert.Contains(t, fmt.Sprint(err), "waiting set")
}
