// Package locks provides named, leased mutual-exclusion locks with
// acquire/extend/release semantics. Acquisition is exclusive and
// non-blocking: contention fails immediately with ErrBusy, no queueing.
package locks

import (
	"context"
	"errors"
	"time"
)

// ErrBusy is returned by Acquire when the lock is held by someone else.
var ErrBusy = errors.New("lock busy")

// ErrNotHeld is returned by Extend when the lease is no longer held,
// typically because it expired and another worker took it over.
var ErrNotHeld = errors.New("lock not held")

// Lease is a time-bounded exclusive claim on a lock name. It is never
// persisted by the holder and never shared across processes.
type Lease struct {
	Name      string
	Holder    string
	ExpiresAt time.Time
}

// Service is the lock service boundary. Release is idempotent.
type Service interface {
	// Acquire takes the named lock for ttl, failing fast with ErrBusy
	// on contention.
	Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error)

	// Extend pushes the lease expiry to now+additional while held.
	Extend(ctx context.Context, lease *Lease, additional time.Duration) error

	// Release drops the lease. Releasing an expired or already-released
	// lease is not an error.
	Release(ctx context.Context, lease *Lease) error
}
