package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/travisim/farmify/internal/errors"
	"github.com/travisim/farmify/internal/money"
)

type settled struct {
	req     Request
	receipt Receipt
}

// Memory is an in-process Ledger with trustlines, balances and request id
// deduplication. Tests use its fault hooks to simulate a failing ledger.
type Memory struct {
	mu       sync.Mutex
	balances map[string]map[string]decimal.Decimal // identity -> asset -> balance
	settled  map[string]settled
	order    []string

	failing map[string]error // destination -> error
	next    []error
	latency time.Duration
}

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[string]map[string]decimal.Decimal),
		settled:  make(map[string]settled),
		failing:  make(map[string]error),
	}
}

// Provision opens a trustline for asset on identity and credits balance.
func (m *Memory) Provision(identity string, balance money.Money) {
	m.mu.Lock()
	defer m.mu.Unlock()
	assets, ok := m.balances[identity]
	if !ok {
		assets = make(map[string]decimal.Decimal)
		m.balances[identity] = assets
	}
	assets[balance.Asset] = assets[balance.Asset].Add(balance.Amount)
}

// Balance returns the balance of identity in asset and whether a trustline
// exists.
func (m *Memory) Balance(identity, asset string) (money.Money, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	amount, ok := m.balances[identity][asset]
	return money.Money{Amount: amount, Asset: asset}, ok
}

// Settled returns the request ids of completed transfers in order.
func (m *Memory) Settled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// FailFor makes every transfer to destination fail with err. A nil err
// clears the fault.
func (m *Memory) FailFor(destination string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failing, destination)
		return
	}
	m.failing[destination] = err
}

// FailNext makes the next transfer fail with err.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next = append(m.next, err)
}

// SetLatency delays every transfer by d, or until ctx is done.
func (m *Memory) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

func (m *Memory) Transfer(ctx context.Context, req Request) (*Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	latency := m.latency
	m.mu.Unlock()
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, errors.Wrap(errors.ErrTransient, ctx.Err().Error())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrTransient, err.Error())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.settled[req.RequestID]; ok {
		if !prev.req.sameAs(req) {
			return nil, errors.Wrapf(errors.ErrDuplicate, "request id %s already used for another transfer", req.RequestID)
		}
		r := prev.receipt
		r.Duplicate = true
		return &r, nil
	}

	if len(m.next) > 0 {
		err := m.next[0]
		m.next = m.next[1:]
		return nil, err
	}
	if err, ok := m.failing[req.Destination]; ok {
		return nil, err
	}

	asset := req.Amount.Asset
	src, ok := m.balances[req.Source][asset]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotProvisioned, "source %s holds no %s", req.Source, asset)
	}
	if _, ok := m.balances[req.Destination][asset]; !ok {
		return nil, errors.Wrapf(errors.ErrNotProvisioned, "destination %s has no trustline for %s", req.Destination, asset)
	}
	if src.LessThan(req.Amount.Amount) {
		return nil, errors.Wrapf(errors.ErrInsufficientBalance, "source %s holds %s, needs %s", req.Source, src, req.Amount)
	}

	m.balances[req.Source][asset] = src.Sub(req.Amount.Amount)
	m.balances[req.Destination][asset] = m.balances[req.Destination][asset].Add(req.Amount.Amount)

	receipt := Receipt{
		Reference:   "mem-tx://" + uuid.New().String(),
		RequestID:   req.RequestID,
		CompletedAt: time.Now(),
	}
	m.settled[req.RequestID] = settled{req: req, receipt: receipt}
	m.order = append(m.order, req.RequestID)
	return &receipt, nil
}
