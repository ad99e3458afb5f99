package jobs

import (
	"context"

	"github.com/upstitch/upstitch/internal/locks"
)

// InlineDispatcher materializes synchronously in the caller's process,
// for deployments without a worker fleet.
type InlineDispatcher struct {
	m Materializer
}

// NewInlineDispatcher returns a dispatcher that runs jobs in place.
func NewInlineDispatcher(m Materializer) *InlineDispatcher {
	return &InlineDispatcher{m: m}
}

// Dispatch runs the job immediately and returns no pollable reference.
func (d *InlineDispatcher) Dispatch(ctx context.Context, job Job, lease *locks.Lease) (Ref, error) {
	if err := d.m.MaterializeByID(ctx, job.UploadID, job.Algorithm); err != nil {
		return "", err
	}
	return "", nil
}
