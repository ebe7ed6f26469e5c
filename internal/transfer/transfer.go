// Package transfer moves value between ledger identities.
//
// A destination can only receive an asset it holds a trustline for, and
// every transfer carries a request id: submitting the same request id twice
// moves value once and returns the first receipt.
package transfer

import (
	"context"
	"time"

	"github.com/travisim/farmify/internal/errors"
	"github.com/travisim/farmify/internal/money"
)

type Request struct {
	RequestID   string
	Source      string
	Destination string
	Amount      money.Money
	Memo        string
}

// Validate checks the request before it reaches a ledger.
func (r Request) Validate() error {
	if r.RequestID == "" {
		return errors.Wrap(errors.ErrInvalidInput, "transfer request id is required")
	}
	if r.Source == "" || r.Destination == "" {
		return errors.Wrap(errors.ErrInvalidInput, "transfer source and destination are required")
	}
	if r.Source == r.Destination {
		return errors.Wrapf(errors.ErrInvalidInput, "transfer from %s to itself", r.Source)
	}
	if err := r.Amount.Validate(); err != nil {
		return err
	}
	if !r.Amount.IsPositive() {
		return errors.Wrapf(errors.ErrInvalidInput, "transfer amount %s must be positive", r.Amount)
	}
	return nil
}

func (r Request) sameAs(o Request) bool {
	return r.Source == o.Source && r.Destination == o.Destination && r.Amount.Equal(o.Amount)
}

type Receipt struct {
	Reference   string
	RequestID   string
	Duplicate   bool // the request id was already settled
	CompletedAt time.Time
}

// Ledger is the value transfer ledger consumed by the settlement engine.
//
// Errors: ErrInsufficientBalance, ErrNotProvisioned, ErrTransient, and
// ErrDuplicate when a request id is reused for a different transfer.
type Ledger interface {
	Transfer(ctx context.Context, req Request) (*Receipt, error)
}
