package settlement

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/travisim/farmify/internal/calculator"
	"github.com/travisim/farmify/internal/errors"
	"github.com/travisim/farmify/internal/models"
	"github.com/travisim/farmify/internal/transfer"
)

// noTransferReference marks a zero-amount line that needed no transfer.
const noTransferReference = "none:zero-amount"

type DistributeInput struct {
	ProjectID string
}

// DistributionReport is the outcome of a distribution or retry run.
type DistributionReport struct {
	Settlement *models.Settlement

	// Attempts are the receipts recorded by this run, in the order they
	// were recorded.
	Attempts []models.TransferReceipt

	// Balances show what each recipient was owed and has been paid so far.
	Balances []calculator.RecipientBalance
}

// Failed returns the attempts of this run that did not succeed.
func (r *DistributionReport) Failed() []models.TransferReceipt {
	var out []models.TransferReceipt
	for _, a := range r.Attempts {
		if a.Outcome != models.OutcomeSuccess {
			out = append(out, a)
		}
	}
	return out
}

type pendingLine struct {
	line    int
	attempt int
	payout  models.Payout
}

// Distribute pays out the distribution of a Verified settlement: the
// operator first, then the contributors in listed order, then the platform
// fee when it is transferred. A failed transfer is recorded and the run
// continues; the settlement reaches DistributionComplete once every line has
// a receipt.
//
// A settlement found in DistributionInProgress is resumed: only lines
// without any receipt are attempted. Distribute on a DistributionComplete
// settlement returns ErrInvalidState and transfers nothing.
func (e *Engine) Distribute(ctx context.Context, in DistributeInput) (report *DistributionReport, err error) {
	defer func() { e.metrics.observeOperation("distribute", err) }()

	err = e.withProject(ctx, in.ProjectID, func(project *models.Project) error {
		s, err := e.current(ctx, project.ID)
		if err != nil {
			return err
		}

		switch s.State {
		case models.StateDistributionComplete:
			return errors.Wrapf(errors.ErrInvalidState, "settlement %s was already distributed", s.ID)
		case models.StateVerified:
			if _, err := e.ensureDistribution(ctx, project, s); err != nil {
				return err
			}
			if err := e.advance(ctx, s, models.StateDistributionInProgress); err != nil {
				return err
			}
		case models.StateDistributionInProgress:
			e.logger.Info("Resuming distribution", "settlement_id", s.ID, "receipts", len(s.Receipts))
		default:
			return errors.Wrapf(errors.ErrInvalidState, "settlement %s is %s; only verified revenue is distributed", s.ID, s.State)
		}

		var pending []pendingLine
		for _, line := range calculator.Outstanding(s.Distribution, s.Receipts) {
			if line.Attempts == 0 {
				pending = append(pending, pendingLine{line: line.Line, attempt: 1, payout: line.Payout})
			}
		}

		attempts, err := e.runLines(ctx, project, s, pending)
		if err != nil {
			return err
		}

		// Every line has a receipt now; closing the run does not depend on
		// the caller staying around.
		finish := context.WithoutCancel(ctx)
		if !s.HasAudit(AuditDistribution) {
			payload := distributionPayload(AuditDistribution, s, s.Receipts, e.now())
			if err := e.emit(finish, s, AuditDistribution, e.opts.PlatformIdentity, payload, true); err != nil {
				return err
			}
		}
		if err := e.advance(finish, s, models.StateDistributionComplete); err != nil {
			return err
		}

		report = &DistributionReport{
			Settlement: s,
			Attempts:   attempts,
			Balances:   calculator.RecipientBalances(s.Distribution, s.Receipts),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// RetryFailedTransfers attempts every unpaid line of a DistributionComplete
// settlement again. Lines that already succeeded are never retried. The
// retry record lists every attempt not yet covered by a distribution record.
func (e *Engine) RetryFailedTransfers(ctx context.Context, projectID string) (report *DistributionReport, err error) {
	defer func() { e.metrics.observeOperation("retry_failed_transfers", err) }()

	err = e.withProject(ctx, projectID, func(project *models.Project) error {
		s, err := e.current(ctx, project.ID)
		if err != nil {
			return err
		}
		if s.State != models.StateDistributionComplete {
			return errors.Wrapf(errors.ErrInvalidState, "settlement %s is %s; retries follow a completed distribution", s.ID, s.State)
		}

		var pending []pendingLine
		for _, line := range calculator.Outstanding(s.Distribution, s.Receipts) {
			pending = append(pending, pendingLine{
				line:    line.Line,
				attempt: calculator.NextAttempt(line.Line, s.Receipts),
				payout:  line.Payout,
			})
		}

		report = &DistributionReport{Settlement: s}
		if len(pending) > 0 {
			attempts, err := e.runLines(ctx, project, s, pending)
			if err != nil {
				return err
			}
			report.Attempts = attempts
		}

		// The record also lists attempts of an earlier run whose record
		// failed, so nothing pending does not mean nothing to record.
		if receipts := unaudited(s); len(receipts) > 0 {
			payload := distributionPayload(AuditDistributionRetry, s, receipts, e.now())
			if err := e.emit(context.WithoutCancel(ctx), s, AuditDistributionRetry, e.opts.PlatformIdentity, payload, true); err != nil {
				return err
			}
		}
		report.Balances = calculator.RecipientBalances(s.Distribution, s.Receipts)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// runLines attempts the pending lines and records a receipt for each one.
// With Parallelism above 1 the transfers run through a bounded errgroup;
// receipts are still recorded one at a time.
func (e *Engine) runLines(ctx context.Context, project *models.Project, s *models.Settlement, pending []pendingLine) ([]models.TransferReceipt, error) {
	start := time.Now()
	defer func() { e.metrics.observeDistribution(time.Since(start)) }()

	record := context.WithoutCancel(ctx)
	var (
		mu       sync.Mutex
		attempts []models.TransferReceipt
	)
	run := func(p pendingLine) error {
		r := e.attempt(ctx, project.TreasuryIdentity, s.ID, p)

		mu.Lock()
		defer mu.Unlock()
		if err := e.store.AppendTransferReceipt(record, s.ID, r); err != nil {
			return err
		}
		s.Receipts = append(s.Receipts, r)
		attempts = append(attempts, r)
		return nil
	}

	if e.opts.Parallelism < 2 {
		for _, p := range pending {
			if err := run(p); err != nil {
				return nil, err
			}
		}
		return attempts, nil
	}

	var g errgroup.Group
	g.SetLimit(e.opts.Parallelism)
	for _, p := range pending {
		p := p
		g.Go(func() error { return run(p) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return attempts, nil
}

// attempt submits one payout line. Once submitted, a transfer runs to
// completion under its own timeout even if ctx is cancelled; a line not
// yet submitted when ctx is done is skipped.
func (e *Engine) attempt(ctx context.Context, source, settlementID string, p pendingLine) (r models.TransferReceipt) {
	r = models.TransferReceipt{
		Line:      p.line,
		Attempt:   p.attempt,
		Recipient: p.payout.Recipient,
		Role:      p.payout.Role,
		Amount:    p.payout.Amount,
	}
	defer func() {
		r.RecordedAt = e.now().Unix()
		e.metrics.observeTransfer(r.Role, r.Outcome)
	}()

	if err := ctx.Err(); err != nil {
		r.Outcome = models.OutcomeSkipped
		r.Error = "distribution cancelled before submission: " + err.Error()
		return r
	}
	if p.payout.Amount.IsZero() {
		r.Outcome = models.OutcomeSuccess
		r.Reference = noTransferReference
		return r
	}

	txCtx, cancel := withTimeout(context.WithoutCancel(ctx), e.opts.TransferTimeout)
	defer cancel()
	receipt, err := e.transfers.Transfer(txCtx, transfer.Request{
		RequestID:   r.RequestID(settlementID),
		Source:      source,
		Destination: p.payout.Recipient,
		Amount:      p.payout.Amount,
		Memo:        string(p.payout.Role) + " payout of settlement " + settlementID,
	})
	if err = external(txCtx, err); err != nil {
		r.Outcome = models.OutcomeFailure
		r.Error = err.Error()
		e.logger.Warn("Payout transfer failed",
			"settlement_id", settlementID,
			"line", p.line,
			"attempt", p.attempt,
			"recipient", p.payout.Recipient,
			"amount", p.payout.Amount.String(),
			"error", err,
		)
		return r
	}

	r.Outcome = models.OutcomeSuccess
	r.Reference = receipt.Reference
	e.logger.Info("Payout transfer settled",
		"settlement_id", settlementID,
		"line", p.line,
		"attempt", p.attempt,
		"recipient", p.payout.Recipient,
		"amount", p.payout.Amount.String(),
		"reference", receipt.Reference,
	)
	return r
}
