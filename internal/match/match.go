// Package match implements the greedy grouping pass: seeds popped at random
// from each bucket pull their nearest still-waiting neighbors out of the
// queue, and everyone the main pass cannot place drains through the leftover
// bucket in chunks.
package match

import (
	"log/slog"

	"github.com/lyncup/engine/internal/queue"
)

// NeighborIndex is the similarity capability the matcher consumes. Satisfied
// by ann.Index; tests substitute fakes.
type NeighborIndex interface {
	HasUser(userID int64) bool
	Slot(userID int64) (int, bool)
	User(slot int) (int64, bool)
	// TopK returns up to n slots nearest to the query slot, nearest first,
	// always including the query slot itself.
	TopK(slot, n int) []int
}

// Params bound one matching batch.
type Params struct {
	BatchSize int
	TopK      int
	MinGroup  int
	MaxGroup  int
}

// Defaults fills unset fields with the production parameters.
func (p Params) Defaults() Params {
	if p.BatchSize == 0 {
		p.BatchSize = 50
	}
	if p.TopK == 0 {
		p.TopK = 50
	}
	if p.MinGroup == 0 {
		p.MinGroup = 3
	}
	if p.MaxGroup == 0 {
		p.MaxGroup = 4
	}
	return p
}

// Group is one matched set of users, not yet assigned a room.
type Group struct {
	Members []queue.Entry
}

// UserIDs returns the member ids in group order.
func (g Group) UserIDs() []int64 {
	ids := make([]int64, len(g.Members))
	for i, e := range g.Members {
		ids[i] = e.UserID
	}
	return ids
}

// RunBatch matches every bucket except leftover, then drains leftover. The
// result maps bucket name to the groups it produced. A nil index (load
// failure) yields no per-bucket groups but the leftover drain still runs.
func RunBatch(q *queue.Manager, index NeighborIndex, p Params) map[string][]Group {
	p = p.Defaults()
	groups := make(map[string][]Group)

	for _, name := range q.Buckets() {
		if name == queue.BucketLeftover {
			continue
		}
		if index == nil {
			groups[name] = nil
			continue
		}
		if g := matchInCluster(q, index, name, p); len(g) > 0 {
			groups[name] = g
		}
	}

	if g := drainLeftover(q, p); len(g) > 0 {
		groups[queue.BucketLeftover] = g
	}
	return groups
}

// matchInCluster pops up to BatchSize random seeds from the bucket and
// greedily groups each with its nearest still-waiting neighbors. Seeds
// without enough reachable neighbors, and users absent from the index, move
// to the leftover bucket.
func matchInCluster(q *queue.Manager, index NeighborIndex, bucket string, p Params) []Group {
	var groups []Group

	processed := 0
	for q.Size(bucket) > 0 && processed < p.BatchSize {
		seed, ok := q.PopRandom(bucket)
		if !ok {
			break
		}
		processed++

		if !index.HasUser(seed.UserID) {
			// Cold-start user: no vector yet, match by leftover chunking.
			q.Add(queue.BucketLeftover, seed.UserID)
			continue
		}
		slot, _ := index.Slot(seed.UserID)

		// The query returns its own slot among the results, hence TopK+1.
		slots := index.TopK(slot, p.TopK+1)

		var chosen []queue.Entry
		for _, s := range slots {
			if len(chosen) >= p.MaxGroup-1 {
				break
			}
			if s == slot {
				continue
			}
			uid, ok := index.User(s)
			if !ok {
				continue
			}
			// Only neighbors still waiting in this bucket join the group;
			// anyone matched out by an earlier seed is silently skipped.
			if entry, ok := q.RemoveByID(bucket, uid); ok {
				chosen = append(chosen, entry)
			}
		}

		if len(chosen) < p.MinGroup-1 {
			q.Add(queue.BucketLeftover, seed.UserID)
			for _, e := range chosen {
				q.Add(queue.BucketLeftover, e.UserID)
			}
			continue
		}

		members := make([]queue.Entry, 0, len(chosen)+1)
		members = append(members, seed)
		members = append(members, chosen...)
		groups = append(groups, Group{Members: members})
	}
	return groups
}

// drainLeftover empties the leftover bucket in chunks of MaxGroup. A
// trailing chunk of two or three still forms a group; a trailing chunk of
// one is held over — the user stays in the shared waiting set and re-enters
// next tick rather than being assigned a room alone.
func drainLeftover(q *queue.Manager, p Params) []Group {
	var groups []Group
	var chunk []queue.Entry

	for {
		e, ok := q.PopRandom(queue.BucketLeftover)
		if !ok {
			break
		}
		chunk = append(chunk, e)
		if len(chunk) == p.MaxGroup {
			groups = append(groups, Group{Members: chunk})
			chunk = nil
		}
	}

	switch {
	case len(chunk) == 0:
	case len(chunk) == 1:
		slog.Debug("[Matcher] Holding single leftover user for next tick",
			"user_id", chunk[0].UserID)
	default:
		groups = append(groups, Group{Members: chunk})
	}
	return groups
}
