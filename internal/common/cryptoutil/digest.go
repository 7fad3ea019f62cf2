// Package cryptoutil computes and verifies content digests of engine input
// files.
package cryptoutil

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/deploymenttheory/go-license-engine/internal/common/errors"
)

// HashAlgorithm represents supported hash algorithms
type HashAlgorithm string

const (
	SHA256 HashAlgorithm = "sha256"
	SHA512 HashAlgorithm = "sha512"
)

func newHash(algorithm HashAlgorithm) (hash.Hash, error) {
	switch HashAlgorithm(strings.ToLower(string(algorithm))) {
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("%w: unsupported hash algorithm %q", errors.ErrInvalidArgument, algorithm)
}

// Digest returns the hex digest of data.
func Digest(algorithm HashAlgorithm, data []byte) (string, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestReader returns the hex digest of everything read from r.
func DigestReader(algorithm HashAlgorithm, r io.Reader) (string, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks data against an expected hex digest. Case is ignored.
func Verify(algorithm HashAlgorithm, data []byte, expected string) error {
	got, err := Digest(algorithm, data)
	if err != nil {
		return err
	}
	want := strings.ToLower(strings.TrimSpace(expected))
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return fmt.Errorf("%w: %s digest %s, expected %s", errors.ErrChecksumFailed, algorithm, got, want)
	}
	return nil
}
