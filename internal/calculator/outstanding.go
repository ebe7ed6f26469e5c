package calculator

import (
	"github.com/travisim/farmify/internal/models"
	"github.com/travisim/farmify/internal/money"
)

// OutstandingLine is a payout line that has not been paid successfully.
type OutstandingLine struct {
	Line        int
	Payout      models.Payout
	Attempts    int
	LastOutcome models.Outcome // empty when never attempted
	LastError   string
}

// RecipientBalance is what one recipient was owed and has been paid.
type RecipientBalance struct {
	Recipient string
	Role      models.PayoutRole
	Owed      money.Money
	Paid      money.Money
	Due       money.Money // Owed - Paid
}

// Outstanding returns the lines of d without a successful receipt, in line
// order. A line is paid once any of its attempts succeeded.
func Outstanding(d *models.Distribution, receipts []models.TransferReceipt) []OutstandingLine {
	if d == nil {
		return nil
	}

	type status struct {
		paid     bool
		attempts int
		last     models.TransferReceipt
	}
	byLine := make(map[int]*status)
	for _, r := range receipts {
		st, ok := byLine[r.Line]
		if !ok {
			st = &status{}
			byLine[r.Line] = st
		}
		if r.Outcome == models.OutcomeSuccess {
			st.paid = true
		}
		if r.Attempt >= st.last.Attempt {
			st.last = r
		}
		st.attempts++
	}

	var out []OutstandingLine
	for i, p := range d.Lines() {
		st := byLine[i]
		if st == nil {
			out = append(out, OutstandingLine{Line: i, Payout: p})
			continue
		}
		if st.paid {
			continue
		}
		out = append(out, OutstandingLine{
			Line:        i,
			Payout:      p,
			Attempts:    st.attempts,
			LastOutcome: st.last.Outcome,
			LastError:   st.last.Error,
		})
	}
	return out
}

// NextAttempt returns the attempt number for the next transfer of a line.
func NextAttempt(line int, receipts []models.TransferReceipt) int {
	n := 0
	for _, r := range receipts {
		if r.Line == line && r.Attempt > n {
			n = r.Attempt
		}
	}
	return n + 1
}

// RecipientBalances aggregates owed and paid amounts per recipient across
// all payout lines, keeping the line order of first appearance.
func RecipientBalances(d *models.Distribution, receipts []models.TransferReceipt) []RecipientBalance {
	if d == nil {
		return nil
	}
	asset := d.Revenue.Asset
	lines := d.Lines()

	var order []string
	balances := make(map[string]*RecipientBalance)
	for _, p := range lines {
		b, ok := balances[p.Recipient]
		if !ok {
			b = &RecipientBalance{
				Recipient: p.Recipient,
				Role:      p.Role,
				Owed:      money.Zero(asset),
				Paid:      money.Zero(asset),
			}
			balances[p.Recipient] = b
			order = append(order, p.Recipient)
		}
		b.Owed.Amount = b.Owed.Amount.Add(p.Amount.Amount)
	}

	for _, r := range receipts {
		if r.Outcome != models.OutcomeSuccess || r.Line < 0 || r.Line >= len(lines) {
			continue
		}
		if b, ok := balances[lines[r.Line].Recipient]; ok {
			b.Paid.Amount = b.Paid.Amount.Add(r.Amount.Amount)
		}
	}

	out := make([]RecipientBalance, 0, len(order))
	for _, name := range order {
		b := balances[name]
		b.Due = money.Money{Amount: b.Owed.Amount.Sub(b.Paid.Amount), Asset: asset}
		out = append(out, *b)
	}
	return out
}
