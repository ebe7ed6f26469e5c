// Package docstore holds evidence documents and distribution summaries in a
// content-addressed store.
//
// Documents are keyed by the sha3-256 of their bytes, so putting the same
// bytes twice yields the same address. Pinned documents must not be
// garbage collected or deleted by the backend.
package docstore

import (
	"context"
	"strings"

	"github.com/travisim/farmify/internal/errors"
	"github.com/travisim/farmify/internal/evidence"
)

// Address locates a document: "<scheme>://<namespace>/<sha3 hex>".
type Address string

func (a Address) String() string {
	return string(a)
}

// Store is the document store consumed by the settlement engine.
//
// Errors: ErrNotFound, ErrQuotaExceeded, ErrTransient.
type Store interface {
	Put(ctx context.Context, data []byte) (Address, error)
	Get(ctx context.Context, addr Address) ([]byte, error)
	Pin(ctx context.Context, addr Address) error
}

func makeAddress(scheme, namespace string, data []byte) (Address, string) {
	key := evidence.Compute(data).Hex()
	return Address(scheme + "://" + namespace + "/" + key), key
}

// parseAddress returns the object key of addr when it belongs to the given
// scheme and namespace.
func parseAddress(addr Address, scheme, namespace string) (string, error) {
	prefix := scheme + "://" + namespace + "/"
	key, ok := strings.CutPrefix(string(addr), prefix)
	if !ok || len(key) != 64 {
		return "", errors.Wrapf(errors.ErrNotFound, "address %q is not served by %s", addr, prefix)
	}
	return key, nil
}
