// Package queue holds the in-process waiting buckets the matcher draws
// from. A Manager is created fresh for each scheduler tick and never shared
// across goroutines.
package queue

import (
	"math/rand"
	"sort"
	"time"
)

const (
	// BucketGlobal is the main bucket every waiting user is seeded into.
	BucketGlobal = "global"
	// BucketLeftover receives users the main pass could not group.
	BucketLeftover = "leftover"
)

// Clock abstracts time for joinedAt stamps.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real clock.
type SystemClock struct{}

// Now returns the current wall time.
func (SystemClock) Now() time.Time { return time.Now() }

// Entry is one waiting user. Identity is the user id alone; JoinedAt is
// bookkeeping.
type Entry struct {
	UserID   int64
	JoinedAt time.Time
}

// bucket is a set of entries supporting O(1) random pop: a slice plus an
// id→position map, removed by swap with the tail.
type bucket struct {
	entries []Entry
	pos     map[int64]int
}

func newBucket() *bucket {
	return &bucket{pos: make(map[int64]int)}
}

func (b *bucket) add(e Entry) bool {
	if _, ok := b.pos[e.UserID]; ok {
		return false
	}
	b.pos[e.UserID] = len(b.entries)
	b.entries = append(b.entries, e)
	return true
}

func (b *bucket) removeAt(i int) Entry {
	e := b.entries[i]
	last := len(b.entries) - 1
	b.entries[i] = b.entries[last]
	b.pos[b.entries[i].UserID] = i
	b.entries = b.entries[:last]
	delete(b.pos, e.UserID)
	return e
}

// Manager partitions waiting users into named buckets. A user id appears in
// at most one bucket at a time; Add enforces this by refusing ids already
// present anywhere.
type Manager struct {
	buckets map[string]*bucket
	where   map[int64]string
	clock   Clock
	rng     *rand.Rand
}

// NewManager creates a manager with the two permanent buckets. A nil clock
// means the system clock.
func NewManager(clock Clock) *Manager {
	if clock == nil {
		clock = SystemClock{}
	}
	m := &Manager{
		buckets: make(map[string]*bucket),
		where:   make(map[int64]string),
		clock:   clock,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	m.buckets[BucketGlobal] = newBucket()
	m.buckets[BucketLeftover] = newBucket()
	return m
}

// Add places a user into a bucket, creating the bucket if needed. It is a
// no-op when the user already waits in any bucket.
func (m *Manager) Add(name string, userID int64) {
	if _, ok := m.where[userID]; ok {
		return
	}
	b := m.buckets[name]
	if b == nil {
		b = newBucket()
		m.buckets[name] = b
	}
	b.add(Entry{UserID: userID, JoinedAt: m.clock.Now()})
	m.where[userID] = name
}

// RemoveByID removes and returns the user's entry from the bucket. The
// second return is false when the user is not in that bucket.
func (m *Manager) RemoveByID(name string, userID int64) (Entry, bool) {
	b := m.buckets[name]
	if b == nil {
		return Entry{}, false
	}
	i, ok := b.pos[userID]
	if !ok {
		return Entry{}, false
	}
	delete(m.where, userID)
	return b.removeAt(i), true
}

// PopRandom removes and returns a uniformly random entry from the bucket.
// Random selection keeps the ordering free of FIFO/LIFO starvation bias.
func (m *Manager) PopRandom(name string) (Entry, bool) {
	b := m.buckets[name]
	if b == nil || len(b.entries) == 0 {
		return Entry{}, false
	}
	e := b.removeAt(m.rng.Intn(len(b.entries)))
	delete(m.where, e.UserID)
	return e, true
}

// Size returns the number of entries in the bucket.
func (m *Manager) Size(name string) int {
	b := m.buckets[name]
	if b == nil {
		return 0
	}
	return len(b.entries)
}

// Buckets returns all bucket names, sorted. "global" and "leftover" are
// always present.
func (m *Manager) Buckets() []string {
	names := make([]string, 0, len(m.buckets))
	for name := range m.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
