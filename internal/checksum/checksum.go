// Package checksum computes and verifies content digests.
//
// Digests are lowercase hex. SHA-256 is the default and the algorithm the
// control plane publishes in content offers; xxh3 is available for agents
// that verify large local caches and only need corruption detection.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/xxh3"
)

// Algorithm names a digest function.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	XXH3   Algorithm = "xxh3"
)

var (
	// ErrDigestMismatch is returned when computed and expected digests differ.
	ErrDigestMismatch = errors.New("checksum: digest mismatch")

	// ErrUnknownAlgorithm is returned for an unsupported algorithm name.
	ErrUnknownAlgorithm = errors.New("checksum: unknown algorithm")
)

// Service computes digests with a fixed algorithm. It holds no state
// between calls and is safe for concurrent use.
type Service struct {
	alg Algorithm
}

// New returns a Service for alg. An empty alg selects SHA256.
func New(alg Algorithm) (*Service, error) {
	switch alg {
	case "":
		alg = SHA256
	case SHA256, XXH3:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
	return &Service{alg: alg}, nil
}

// Default returns a SHA-256 service.
func Default() *Service {
	return &Service{alg: SHA256}
}

// Algorithm reports the digest function in use.
func (s *Service) Algorithm() Algorithm {
	return s.alg
}

// NewHash returns a fresh hash for incremental use.
func (s *Service) NewHash() hash.Hash {
	if s.alg == XXH3 {
		return xxh3.New()
	}
	return sha256.New()
}

// Sum returns the hex digest of data.
func (s *Service) Sum(data []byte) string {
	h := s.NewHash()
	h.Write(data) //nolint:errcheck // hash writes never fail
	return hex.EncodeToString(h.Sum(nil))
}

// SumReader streams r through the hash and returns the digest and the
// number of bytes read.
func (s *Service) SumReader(r io.Reader) (string, int64, error) {
	h := s.NewHash()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("hashing stream: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// SumFile streams the file at path through the hash.
func (s *Service) SumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	digest, _, err := s.SumReader(f)
	return digest, err
}

// VerifyFile checks the file at path against expected. An empty expected
// digest skips verification.
func (s *Service) VerifyFile(path, expected string) error {
	want := Normalize(expected)
	if want == "" {
		return nil
	}

	got, err := s.SumFile(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: got %s, want %s", ErrDigestMismatch, got, want)
	}
	return nil
}

// Verify checks data against expected. An empty expected digest passes.
func (s *Service) Verify(data []byte, expected string) error {
	want := Normalize(expected)
	if want == "" {
		return nil
	}
	if got := s.Sum(data); got != want {
		return fmt.Errorf("%w: got %s, want %s", ErrDigestMismatch, got, want)
	}
	return nil
}

// Normalize lowercases a digest and strips an "algorithm:" prefix.
func Normalize(digest string) string {
	digest = strings.TrimSpace(digest)
	if i := strings.IndexByte(digest, ':'); i >= 0 {
		digest = digest[i+1:]
	}
	return strings.ToLower(digest)
}
