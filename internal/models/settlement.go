package models

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/travisim/farmify/internal/money"
)

// State is the lifecycle position of a settlement.
type State string

const (
	StateNoProof                State = "no_proof"
	StateProofSubmitted         State = "proof_submitted"
	StateVerified               State = "verified"
	StateRejected               State = "rejected"
	StateDistributionInProgress State = "distribution_in_progress"
	StateDistributionComplete   State = "distribution_complete"
)

var transitions = map[State][]State{
	StateNoProof:                {StateProofSubmitted},
	StateProofSubmitted:         {StateVerified, StateRejected},
	StateVerified:               {StateDistributionInProgress},
	StateDistributionInProgress: {StateDistributionComplete},
}

// CanAdvance reports whether the state machine allows moving from s to next.
// States only move forward; terminal states allow nothing.
func (s State) CanAdvance(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateRejected || s == StateDistributionComplete
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateNoProof, StateProofSubmitted, StateVerified, StateRejected,
		StateDistributionInProgress, StateDistributionComplete:
		return true
	}
	return false
}

// Settlement is the read-model of one project's revenue verification and
// distribution lifecycle. One settlement exists per project per revenue
// event; settlements are never deleted.
type Settlement struct {
	// ID is the unique identifier for the settlement (UUID format).
	ID string

	// ProjectID is the project this settlement belongs to.
	ProjectID string

	// State is the current lifecycle state.
	State State

	// Version is incremented on every persisted update and used for
	// optimistic concurrency control.
	Version int64

	// OperatorIdentity is the ledger identity that submitted the proof.
	OperatorIdentity string

	// ReportedRevenue is the amount declared by the operator.
	ReportedRevenue money.Money

	// EvidenceReference is the document store address of the evidence.
	EvidenceReference string

	// EvidenceDigest is the digest computed at submission time.
	EvidenceDigest string

	// VerifiedDigest is the digest recomputed by the verifier. Empty until a
	// verification attempt was made.
	VerifiedDigest string

	// VerifierIdentity and VerifiedAt are set on entry into Verified or
	// Rejected.
	VerifierIdentity string
	VerifiedAt       int64

	// Rejection explains why the settlement was rejected.
	Rejection *Rejection

	// Distribution holds the computed waterfall. Set at most once.
	Distribution *Distribution

	// Receipts lists every transfer attempt in the order it was recorded.
	Receipts []TransferReceipt

	// AuditReceipts lists the audit records emitted for this settlement.
	AuditReceipts []AuditReceipt

	// CreatedAt and UpdatedAt are Unix timestamps.
	CreatedAt int64
	UpdatedAt int64
}

// HasAudit reports whether an audit record of the given kind was emitted.
func (s *Settlement) HasAudit(kind string) bool {
	for _, a := range s.AuditReceipts {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

// Rejection is the structured detail carried by a rejected settlement.
type Rejection struct {
	// Check names the failed check: "digest_mismatch" or "policy".
	Check    string
	Reason   string
	Expected string
	Actual   string
}

const (
	CheckDigestMismatch = "digest_mismatch"
	CheckPolicy         = "policy"
)

// FeeMode tells whether the platform fee is transferred or kept at source.
type FeeMode string

const (
	FeeModeTransfer FeeMode = "transfer"
	FeeModeRetained FeeMode = "retained"
)

// Valid reports whether m is a known fee mode.
func (m FeeMode) Valid() bool {
	return m == FeeModeTransfer || m == FeeModeRetained
}

// Payout is one computed waterfall line.
type Payout struct {
	Recipient string
	Role      PayoutRole
	Amount    money.Money
}

// PayoutRole identifies the stakeholder class of a payout line.
type PayoutRole string

const (
	PayoutPlatform    PayoutRole = "platform"
	PayoutOperator    PayoutRole = "operator"
	PayoutContributor PayoutRole = "contributor"
)

// Distribution is the waterfall result persisted on a settlement.
type Distribution struct {
	Revenue            money.Money
	PlatformFee        Payout
	PlatformFeeMode    FeeMode
	OperatorPayout     Payout
	ContributorPayouts []Payout

	// Residual is revenue minus the sum of all lines: the whole contributor
	// pool when there are no contributors, otherwise the rounding dust. It
	// is signed; lines rounded up can assign slightly more than the revenue.
	Residual money.Money

	ComputedAt int64
}

// Lines returns the payout lines in execution order: operator, then
// contributors as listed, then the platform fee when it is transferred.
func (d *Distribution) Lines() []Payout {
	lines := make([]Payout, 0, len(d.ContributorPayouts)+2)
	lines = append(lines, d.OperatorPayout)
	lines = append(lines, d.ContributorPayouts...)
	if d.PlatformFeeMode == FeeModeTransfer {
		lines = append(lines, d.PlatformFee)
	}
	return lines
}

// TotalContributorPayout sums all contributor lines.
func (d *Distribution) TotalContributorPayout() money.Money {
	total := money.Zero(d.Revenue.Asset)
	for _, p := range d.ContributorPayouts {
		total.Amount = total.Amount.Add(p.Amount.Amount)
	}
	return total
}

// Outcome is the recorded result of one transfer attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// TransferReceipt records one transfer attempt.
type TransferReceipt struct {
	// Line is the index of the payout line in Distribution.Lines().
	Line int

	// Attempt starts at 1 and grows with every retry of the same line.
	Attempt int

	Recipient string
	Role      PayoutRole
	Amount    money.Money
	Outcome   Outcome

	// Reference is the ledger confirmation for a success.
	Reference string

	// Error describes a failure or the reason for a skip.
	Error string

	RecordedAt int64
}

// RequestID is the stable deduplication key handed to the value transfer
// ledger for this attempt.
func (r TransferReceipt) RequestID(settlementID string) string {
	return fmt.Sprintf("%s/%d/%d", settlementID, r.Line, r.Attempt)
}

// AuditReceipt references one record on the audit ledger.
type AuditReceipt struct {
	Kind      string
	Signer    string
	Reference string
	// DocumentReference is set when the full payload was stored off-ledger.
	DocumentReference string
	RecordedAt        int64
	// Covers is the number of transfer receipts the settlement held when a
	// distribution record was emitted. Zero for other kinds.
	Covers int
}

// ShareTolerance is the allowed deviation of contributor shares from 1.
var ShareTolerance = decimal.New(1, -6)
