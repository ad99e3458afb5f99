// Package blob abstracts the binary object store holding segment payloads
// and materialized upload objects. Objects are addressed by name; digests
// are never used as addresses.
package blob

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/google/uuid"
)

// ErrNotExist is returned by Open and Delete when the named object is
// absent. Callers rely on it to tell a failed delete apart from an
// already-missing object.
var ErrNotExist = errors.New("object does not exist")

// Store is the blob store boundary: streamed write/read, existence probe,
// and delete with distinguishable absence.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// MakeKey builds a fresh unique object key under prefix: the uuid pieces
// keep unrelated writes from ever colliding while the trailing filename
// stays readable for operators.
func MakeKey(prefix, filename string) string {
	pieces := append([]string{strings.Trim(prefix, "/")}, strings.Split(uuid.NewString(), "-")...)
	if filename = strings.Trim(filename, "/ "); filename != "" {
		pieces = append(pieces, filename)
	}
	out := make([]string, 0, len(pieces))
	for _, p := range pieces {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}
