// Package likes provides read-only access to the relational user store:
// the like edges consumed by the embedding builder and the identity lookups
// used to filter the waiting set.
package likes

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Edge is one aggregated like relation. From and To are user ids; Weight is
// the accumulated like count.
type Edge struct {
	From   int64
	To     int64
	Weight float64
}

// Source reads like edges and user identities from Postgres.
type Source struct {
	db      *sql.DB
	timeout time.Duration
}

// Open connects to Postgres and verifies connectivity.
func Open(dsn string, timeout time.Duration) (*Source, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return &Source{db: db, timeout: timeout}, nil
}

// NewSource wraps an existing database handle (used by tests with sqlmock-style
// fakes and by callers that manage the pool themselves).
func NewSource(db *sql.DB, timeout time.Duration) *Source {
	return &Source{db: db, timeout: timeout}
}

// Close releases the underlying pool.
func (s *Source) Close() error {
	return s.db.Close()
}

// LoadAllLikes returns every (from, to, count) tuple. Duplicate (from, to)
// pairs are pre-aggregated by the query. An empty table yields an empty
// slice, not an error.
func (s *Source) LoadAllLikes(ctx context.Context) ([]Edge, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_from_id, user_to_id, SUM(like_count)
		FROM users_like
		GROUP BY user_from_id, user_to_id`)
	if err != nil {
		return nil, fmt.Errorf("query likes: %w", err)
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.From, &e.To, &e.Weight); err != nil {
			return nil, fmt.Errorf("scan like row: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate likes: %w", err)
	}
	return edges, nil
}

// FilterKnown returns the subset of ids that exist in the user table. Order
// is not preserved.
func (s *Source) FilterKnown(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM users_appuser WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var known []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		known = append(known, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return known, nil
}
