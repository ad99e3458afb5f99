// Package jobs carries materialization work from the trigger bridge to
// whatever runs it: inline in the calling process, or on a worker pool
// that hands back a pollable reference.
package jobs

import (
	"context"

	"github.com/upstitch/upstitch/internal/digest"
	"github.com/upstitch/upstitch/internal/locks"
)

// Ref is a pollable reference to dispatched work. Empty means the
// dispatcher ran the work in place and there is nothing to poll.
type Ref string

// Job describes one materialization request.
type Job struct {
	UploadID  int64
	Algorithm digest.Algorithm
}

// Materializer is the callback surface a dispatcher's worker uses to run
// the actual assembly.
type Materializer interface {
	MaterializeByID(ctx context.Context, uploadID int64, algorithm digest.Algorithm) error
}

// Dispatcher accepts a materialization job while the trigger lease is
// held. An async implementation must extend the lease to a longer horizon
// as soon as it accepts the work, bounding the window in which a lost
// dispatch could be queued again.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job, lease *locks.Lease) (Ref, error)
}
