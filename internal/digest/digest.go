// Package digest selects and runs the streaming checksum used to verify
// segment and upload content. Digests are integrity checks supplied by the
// client, not content addresses.
package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/upstitch/upstitch/internal/common"
)

// Algorithm is an explicit enumerated choice of checksum algorithm.
// AlgorithmNone is valid and yields an empty hex digest.
type Algorithm string

const (
	AlgorithmNone Algorithm = ""
	AlgorithmMD5  Algorithm = "md5"
	AlgorithmSHA1 Algorithm = "sha1"
)

// ParseAlgorithm maps a client-supplied algorithm name to an Algorithm.
// The empty string selects AlgorithmNone; anything else unknown is a
// malformed request.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case AlgorithmNone, AlgorithmMD5, AlgorithmSHA1:
		return Algorithm(name), nil
	default:
		return AlgorithmNone, fmt.Errorf("%w: unsupported algorithm %q", common.ErrMalformed, name)
	}
}

// noopHash consumes input and digests to nothing, so AlgorithmNone can be
// fed the same way as a real hasher.
type noopHash struct{}

func (noopHash) Write(p []byte) (int, error) { return len(p), nil }
func (noopHash) Sum(b []byte) []byte         { return b }
func (noopHash) Reset()                      {}
func (noopHash) Size() int                   { return 0 }
func (noopHash) BlockSize() int              { return 1 }

// New returns a streaming hasher for the algorithm. The AlgorithmNone
// hasher accepts writes and produces an empty digest.
func (a Algorithm) New() hash.Hash {
	switch a {
	case AlgorithmMD5:
		return md5.New()
	case AlgorithmSHA1:
		return sha1.New()
	default:
		return noopHash{}
	}
}

// HexDigest finalizes h into its lowercase hex form. For the noop hasher
// the result is the empty string.
func HexDigest(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// HexSum computes the digest of data in one shot.
func HexSum(a Algorithm, data []byte) string {
	h := a.New()
	h.Write(data)
	return HexDigest(h)
}
