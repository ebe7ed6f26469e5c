package auditlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/travisim/farmify/internal/errors"
)

// Memory is an in-process Ledger. Entries are deduplicated by Entry.ID.
type Memory struct {
	keys    Keyring
	maxSize int

	mu      sync.Mutex
	entries []Entry
	byID    map[string]*Receipt
	faults  []error
}

func NewMemory(keys Keyring, maxPayloadSize int) *Memory {
	return &Memory{
		keys:    keys,
		maxSize: maxPayloadSize,
		byID:    make(map[string]*Receipt),
	}
}

func (m *Memory) MaxPayloadSize() int {
	return m.maxSize
}

func (m *Memory) Record(ctx context.Context, signer string, payload *structpb.Struct) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrTransient, err.Error())
	}
	entry, err := seal(m.keys, signer, payload, m.maxSize)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.faults) > 0 {
		err := m.faults[0]
		m.faults = m.faults[1:]
		return nil, err
	}

	id := entry.ID()
	if r, ok := m.byID[id]; ok {
		return r, nil
	}
	m.entries = append(m.entries, entry)
	r := &Receipt{
		Reference:  fmt.Sprintf("mem-audit://%d", len(m.entries)),
		Signer:     signer,
		Signature:  entry.Signature,
		RecordedAt: time.Now(),
	}
	m.byID[id] = r
	return r, nil
}

// Entries returns a copy of everything recorded so far, in order.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// EntriesOfType returns the decoded payloads whose dataType matches.
func (m *Memory) EntriesOfType(kind string) []*structpb.Struct {
	var out []*structpb.Struct
	for _, e := range m.Entries() {
		s, err := e.Struct()
		if err != nil {
			continue
		}
		if dataType(s) == kind {
			out = append(out, s)
		}
	}
	return out
}

// FailNext queues err to be returned by the next Record call.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, err)
}
