package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LeaseStore hands out named, expiring leases stored in sync_locks. It keeps
// two processes sharing one cache file from running the same job at once.
// A crashed holder's lease lapses after its TTL. Expiry is stored as Unix
// milliseconds.
type LeaseStore struct {
	db  *DB
	now func() time.Time
}

// NewLeaseStore creates a new LeaseStore.
func NewLeaseStore(db *DB) *LeaseStore {
	return &LeaseStore{db: db, now: time.Now}
}

// TryAcquire takes the lease name for holder until now+ttl. It returns false
// when another holder owns an unexpired lease. Re-acquiring a lease already
// held by holder extends it.
func (s *LeaseStore) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := s.now().UnixMilli()
	res, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO sync_locks (name, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE sync_locks.holder = excluded.holder OR sync_locks.expires_at <= ?`,
		name, holder, now+ttl.Milliseconds(), now,
	)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Release drops the lease if holder still owns it.
func (s *LeaseStore) Release(ctx context.Context, name, holder string) error {
	_, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM sync_locks WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

// Holder reports who holds name, or "" if it is free or expired.
func (s *LeaseStore) Holder(ctx context.Context, name string) (string, error) {
	var holder string
	var expires int64
	err := s.db.conn.QueryRowxContext(ctx,
		`SELECT holder, expires_at FROM sync_locks WHERE name = ?`, name).Scan(&holder, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	if expires <= s.now().UnixMilli() {
		return "", nil
	}
	return holder, nil
}
