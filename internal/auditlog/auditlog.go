// Package auditlog appends signed, structured records to an append-only
// audit ledger.
//
// Each record is a protobuf Struct. The signer's ed25519 key signs the
// deterministic protobuf encoding of the payload, and ledgers refuse
// payloads whose encoding exceeds their bound.
package auditlog

import (
	"context"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/sha3"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/travisim/farmify/internal/errors"
)

// Receipt acknowledges a recorded audit entry.
type Receipt struct {
	Reference  string
	Signer     string
	Signature  []byte
	RecordedAt time.Time
}

// Ledger is the audit ledger consumed by the settlement engine.
//
// Errors: ErrSignature, ErrPayloadTooLarge, ErrTransient.
type Ledger interface {
	Record(ctx context.Context, signer string, payload *structpb.Struct) (*Receipt, error)
	MaxPayloadSize() int
}

// Entry is a signed record as it is stored by a ledger.
type Entry struct {
	Signer    string
	Payload   []byte // deterministic protobuf encoding
	Signature []byte
}

// Struct decodes the payload back into a Struct.
func (e Entry) Struct() (*structpb.Struct, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(e.Payload, &s); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "decode audit payload: %v", err)
	}
	return &s, nil
}

// ID identifies the entry for deduplication: recording the same payload
// under the same signer twice yields the same ID.
func (e Entry) ID() string {
	h := sha3.New256()
	h.Write([]byte(e.Signer))
	h.Write([]byte{0})
	h.Write(e.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

// seal encodes and signs payload, enforcing the size bound.
func seal(keys Keyring, signer string, payload *structpb.Struct, maxSize int) (Entry, error) {
	if payload == nil {
		return Entry{}, errors.Wrap(errors.ErrInvalidInput, "nil audit payload")
	}
	if size := proto.Size(payload); maxSize > 0 && size > maxSize {
		return Entry{}, errors.Wrapf(errors.ErrPayloadTooLarge, "payload of %d bytes exceeds %d", size, maxSize)
	}
	raw, err := proto.MarshalOptions{Deterministic: true}.Marshal(payload)
	if err != nil {
		return Entry{}, errors.Wrapf(errors.ErrInvalidInput, "encode audit payload: %v", err)
	}
	sig, err := keys.Sign(signer, raw)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Signer: signer, Payload: raw, Signature: sig}, nil
}

// dataType returns the payload's "dataType" field, or "record".
func dataType(payload *structpb.Struct) string {
	if v, ok := payload.GetFields()["dataType"]; ok && v.GetStringValue() != "" {
		return v.GetStringValue()
	}
	return "record"
}
