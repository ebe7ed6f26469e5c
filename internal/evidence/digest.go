// Package evidence fingerprints evidence documents.
//
// The digest algorithm is part of the persisted data: changing it would
// invalidate every verification already recorded, so the algorithm name is
// stored alongside the hex value.
package evidence

import (
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/travisim/farmify/internal/errors"
)

// Algorithm names the hash function used for every digest.
const Algorithm = "sha3-256"

// Digest is "<algorithm>:<lowercase hex>".
type Digest string

// Compute returns the digest of the raw evidence bytes.
func Compute(raw []byte) Digest {
	sum := sha3.Sum256(raw)
	return Digest(Algorithm + ":" + hex.EncodeToString(sum[:]))
}

// Parse validates s and returns it as a Digest.
func Parse(s string) (Digest, error) {
	algo, value, ok := strings.Cut(s, ":")
	if !ok || algo != Algorithm {
		return "", errors.Wrapf(errors.ErrInvalidInput, "digest %q: unsupported algorithm", s)
	}
	if b, err := hex.DecodeString(value); err != nil || len(b) != 32 {
		return "", errors.Wrapf(errors.ErrInvalidInput, "digest %q: malformed value", s)
	}
	return Digest(strings.ToLower(s)), nil
}

// Equal compares two digests in constant time.
func (d Digest) Equal(o Digest) bool {
	return subtle.ConstantTimeCompare([]byte(d), []byte(o)) == 1
}

// Hex returns the digest value without the algorithm prefix.
func (d Digest) Hex() string {
	_, value, _ := strings.Cut(string(d), ":")
	return value
}

func (d Digest) String() string {
	return string(d)
}
