package models

import (
	"testing"

	"github.com/travisim/farmify/internal/money"
)

func TestStateMachineOnlyMovesForward(t *testing.T) {
	all := []State{
		StateNoProof, StateProofSubmitted, StateVerified, StateRejected,
		StateDistributionInProgress, StateDistributionComplete,
	}
	allowed := map[[2]State]bool{
		{StateNoProof, StateProofSubmitted}:                      true,
		{StateProofSubmitted, StateVerified}:                     true,
		{StateProofSubmitted, StateRejected}:                     true,
		{StateVerified, StateDistributionInProgress}:             true,
		{StateDistributionInProgress, StateDistributionComplete}: true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]State{from, to}]
			if got := from.CanAdvance(to); got != want {
				t.Errorf("%s -> %s: CanAdvance = %v, want %v", from, to, got, want)
			}
		}
	}

	for _, s := range []State{StateVerified, StateRejected, StateDistributionInProgress, StateDistributionComplete} {
		if s.CanAdvance(StateProofSubmitted) || s.CanAdvance(StateNoProof) {
			t.Errorf("%s must never move back to proof submission", s)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	tests := map[State]bool{
		StateNoProof:                false,
		StateProofSubmitted:         false,
		StateVerified:               false,
		StateRejected:               true,
		StateDistributionInProgress: false,
		StateDistributionComplete:   true,
	}
	for s, want := range tests {
		if got := s.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, got, want)
		}
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if State("paid").Valid() {
		t.Error("unknown state reported valid")
	}
}

func TestDistributionLines(t *testing.T) {
	d := &Distribution{
		Revenue:         money.MustNew("100", "USD"),
		PlatformFee:     Payout{Recipient: "platform", Role: PayoutPlatform, Amount: money.MustNew("20", "USD")},
		PlatformFeeMode: FeeModeRetained,
		OperatorPayout:  Payout{Recipient: "op", Role: PayoutOperator, Amount: money.MustNew("32", "USD")},
		ContributorPayouts: []Payout{
			{Recipient: "c1", Role: PayoutContributor, Amount: money.MustNew("28.8", "USD")},
			{Recipient: "c2", Role: PayoutContributor, Amount: money.MustNew("19.2", "USD")},
		},
	}

	lines := d.Lines()
	if len(lines) != 3 {
		t.Fatalf("retained fee: expected 3 lines, got %d", len(lines))
	}
	if lines[0].Role != PayoutOperator || lines[1].Recipient != "c1" || lines[2].Recipient != "c2" {
		t.Errorf("unexpected line order: %+v", lines)
	}

	d.PlatformFeeMode = FeeModeTransfer
	lines = d.Lines()
	if len(lines) != 4 || lines[3].Role != PayoutPlatform {
		t.Errorf("transfer fee: expected platform fee last, got %+v", lines)
	}

	if total := d.TotalContributorPayout(); !total.Equal(money.MustNew("48", "USD")) {
		t.Errorf("TotalContributorPayout = %s, want 48 USD", total)
	}
}

func TestRequestIDIsStable(t *testing.T) {
	r := TransferReceipt{Line: 2, Attempt: 1}
	if got := r.RequestID("s-1"); got != "s-1/2/1" {
		t.Errorf("RequestID = %q", got)
	}
}
