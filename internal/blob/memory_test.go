package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.Put(ctx, "k", strings.NewReader("payload"), 7))

	exists, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	rc, err := s.Open(ctx, "k")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestMemStore_AbsenceIsDistinguishable(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	_, err := s.Open(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotExist))

	err = s.Delete(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotExist))

	exists, err := s.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemStore_FailDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Put(ctx, "k", strings.NewReader("x"), 1))

	s.FailDelete = true
	err := s.Delete(ctx, "k")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotExist), "failure must not look like absence")

	_, ok := s.Get("k")
	assert.True(t, ok, "failed delete leaves the object in place")
}

func TestMakeKey(t *testing.T) {
	k1 := MakeKey("uploads/", "report.pdf")
	k2 := MakeKey("uploads/", "report.pdf")

	assert.True(t, strings.HasPrefix(k1, "uploads/"))
	assert.True(t, strings.HasSuffix(k1, "/report.pdf"))
	assert.NotEqual(t, k1, k2, "keys must be unique per call")
	assert.NotContains(t, k1, "//")

	// No filename still yields a usable key.
	k3 := MakeKey("upload-segments", "")
	assert.True(t, strings.HasPrefix(k3, "upload-segments/"))
	assert.False(t, strings.HasSuffix(k3, "/"))
}
