package locks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLService implements Service over a lock_leases table in the shared
// relational store. A lease row is claimed by an atomic upsert that only
// succeeds when the existing row has expired, so acquisition never blocks.
// Expiries are stored as unix nanoseconds to keep comparisons portable
// across backends.
type SQLService struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLService constructs a lock service over db. The clock defaults to
// time.Now and is injectable for tests via WithClock.
func NewSQLService(db *sql.DB) *SQLService {
	return &SQLService{db: db, now: time.Now}
}

// WithClock replaces the service clock. Test use only.
func (s *SQLService) WithClock(now func() time.Time) *SQLService {
	s.now = now
	return s
}

func (s *SQLService) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	holder := uuid.NewString()
	now := s.now()
	expires := now.Add(ttl)

	query := `
		INSERT INTO lock_leases (name, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name)
		DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE lock_leases.expires_at < $4;
	`
	res, err := s.db.ExecContext(ctx, query, name, holder, expires.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: rows affected: %w", name, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("acquire %s: %w", name, ErrBusy)
	}
	return &Lease{Name: name, Holder: holder, ExpiresAt: expires}, nil
}

func (s *SQLService) Extend(ctx context.Context, lease *Lease, additional time.Duration) error {
	expires := s.now().Add(additional)

	query := `UPDATE lock_leases SET expires_at = $1 WHERE name = $2 AND holder = $3`
	res, err := s.db.ExecContext(ctx, query, expires.UnixNano(), lease.Name, lease.Holder)
	if err != nil {
		return fmt.Errorf("extend %s: %w", lease.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("extend %s: rows affected: %w", lease.Name, err)
	}
	if n == 0 {
		return fmt.Errorf("extend %s: %w", lease.Name, ErrNotHeld)
	}
	lease.ExpiresAt = expires
	return nil
}

func (s *SQLService) Release(ctx context.Context, lease *Lease) error {
	query := `DELETE FROM lock_leases WHERE name = $1 AND holder = $2`
	if _, err := s.db.ExecContext(ctx, query, lease.Name, lease.Holder); err != nil {
		return fmt.Errorf("release %s: %w", lease.Name, err)
	}
	return nil
}
