package docstore

import (
	"context"
	"sync"

	"github.com/travisim/farmify/internal/errors"
)

const memoryScheme = "mem"

type document struct {
	data   []byte
	pinned bool
}

// Memory is an in-process Store. It enforces a total byte quota and lets
// tests inject faults and tamper with stored bytes.
type Memory struct {
	mu       sync.Mutex
	docs     map[string]*document
	used     int64
	maxBytes int64
	faults   map[string]error
}

// NewMemory returns an empty store. maxBytes <= 0 disables the quota.
func NewMemory(maxBytes int64) *Memory {
	return &Memory{
		docs:     make(map[string]*document),
		maxBytes: maxBytes,
		faults:   make(map[string]error),
	}
}

func (m *Memory) Put(ctx context.Context, data []byte) (Address, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(errors.ErrTransient, err.Error())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("put"); err != nil {
		return "", err
	}

	addr, key := makeAddress(memoryScheme, "local", data)
	if _, ok := m.docs[key]; ok {
		return addr, nil
	}
	if m.maxBytes > 0 && m.used+int64(len(data)) > m.maxBytes {
		return "", errors.Wrapf(errors.ErrQuotaExceeded, "%d bytes over quota of %d", m.used+int64(len(data))-m.maxBytes, m.maxBytes)
	}
	m.docs[key] = &document{data: append([]byte(nil), data...)}
	m.used += int64(len(data))
	return addr, nil
}

func (m *Memory) Get(ctx context.Context, addr Address) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrTransient, err.Error())
	}
	key, err := parseAddress(addr, memoryScheme, "local")
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("get"); err != nil {
		return nil, err
	}
	doc, ok := m.docs[key]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "document %s", addr)
	}
	return append([]byte(nil), doc.data...), nil
}

func (m *Memory) Pin(ctx context.Context, addr Address) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(errors.ErrTransient, err.Error())
	}
	key, err := parseAddress(addr, memoryScheme, "local")
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("pin"); err != nil {
		return err
	}
	doc, ok := m.docs[key]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "document %s", addr)
	}
	doc.pinned = true
	return nil
}

// Pinned reports whether addr is stored and pinned.
func (m *Memory) Pinned(addr Address) bool {
	key, err := parseAddress(addr, memoryScheme, "local")
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	return ok && doc.pinned
}

// Len returns the number of stored documents.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

// FailNext makes the next call of op ("put", "get" or "pin") return err.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = err
}

// Tamper replaces the bytes stored under addr, keeping the address.
func (m *Memory) Tamper(addr Address, data []byte) error {
	key, err := parseAddress(addr, memoryScheme, "local")
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "document %s", addr)
	}
	doc.data = append([]byte(nil), data...)
	return nil
}

// fault must be called with mu held.
func (m *Memory) fault(op string) error {
	err, ok := m.faults[op]
	if !ok {
		return nil
	}
	delete(m.faults, op)
	return err
}
