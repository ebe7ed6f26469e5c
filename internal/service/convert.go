package service

import (
	"log/slog"

	"connectrpc.com/connect"
	"github.com/shopspring/decimal"

	"github.com/travisim/farmify/internal/calculator"
	"github.com/travisim/farmify/internal/errors"
	"github.com/travisim/farmify/internal/models"
	"github.com/travisim/farmify/internal/money"
	"github.com/travisim/farmify/pkg/api"
)

// connectError maps an engine error onto a Connect error code by its root
// kind. Unclassified errors become CodeInternal.
func connectError(err error) *connect.Error {
	code := connect.CodeInternal
	switch errors.Root(err) {
	case errors.ErrInvalidInput, errors.ErrConfiguration, errors.ErrCrossAsset:
		code = connect.CodeInvalidArgument
	case errors.ErrInvalidState, errors.ErrIntegrity, errors.ErrInsufficientBalance, errors.ErrNotProvisioned:
		code = connect.CodeFailedPrecondition
	case errors.ErrNotFound:
		code = connect.CodeNotFound
	case errors.ErrUnauthorized:
		code = connect.CodePermissionDenied
	case errors.ErrConflict:
		code = connect.CodeAborted
	case errors.ErrDuplicate:
		code = connect.CodeAlreadyExists
	case errors.ErrTransient:
		code = connect.CodeUnavailable
	case errors.ErrPayloadTooLarge, errors.ErrQuotaExceeded:
		code = connect.CodeResourceExhausted
	}
	return connect.NewError(code, err)
}

// logFailure logs err at a level matching its kind and returns the Connect
// error for it.
func logFailure(logger *slog.Logger, msg string, err error, attrs ...any) *connect.Error {
	cerr := connectError(err)
	attrs = append(attrs, "error", err)
	if cerr.Code() == connect.CodeInternal || cerr.Code() == connect.CodeUnavailable {
		logger.Error(msg, attrs...)
	} else {
		logger.Warn(msg, attrs...)
	}
	return cerr
}

func parseMoney(m api.Money) (money.Money, error) {
	return money.New(m.Amount, m.Asset)
}

// parsePercentage returns nil for an empty string so the engine applies its
// default.
func parsePercentage(field, s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "%s %q: %v", field, s, err)
	}
	return &d, nil
}

func parseContributors(in []api.ContributorShare) ([]models.ContributorShare, error) {
	out := make([]models.ContributorShare, 0, len(in))
	for _, c := range in {
		amount := money.Zero(c.ContributedAmount.Asset)
		if c.ContributedAmount.Amount != "" {
			var err error
			if amount, err = parseMoney(c.ContributedAmount); err != nil {
				return nil, errors.Wrapf(err, "contributor %s", c.Identity)
			}
		}
		share, err := decimal.NewFromString(c.SharePercentage)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidInput, "contributor %s share %q: %v", c.Identity, c.SharePercentage, err)
		}
		out = append(out, models.ContributorShare{
			Identity:          c.Identity,
			ContributedAmount: amount,
			SharePercentage:   share,
		})
	}
	return out, nil
}

func toMoney(m money.Money) api.Money {
	return api.Money{Amount: m.Amount.String(), Asset: m.Asset}
}

func toContributors(in []models.ContributorShare) []api.ContributorShare {
	out := make([]api.ContributorShare, len(in))
	for i, c := range in {
		out[i] = api.ContributorShare{
			Identity:          c.Identity,
			ContributedAmount: toMoney(c.ContributedAmount),
			SharePercentage:   c.SharePercentage.String(),
		}
	}
	return out
}

func toProject(p *models.Project) *api.Project {
	if p == nil {
		return nil
	}
	return &api.Project{
		Id:                      p.ID,
		Name:                    p.Name,
		OperatorIdentity:        p.OperatorIdentity,
		TreasuryIdentity:        p.TreasuryIdentity,
		Asset:                   p.Asset,
		PlatformFeePercentage:   p.PlatformFeePercentage.String(),
		OperatorSharePercentage: p.OperatorSharePercentage.String(),
		Contributors:            toContributors(p.Contributors),
		CreatedAt:               p.CreatedAt,
	}
}

func toPayout(p models.Payout) api.Payout {
	return api.Payout{Recipient: p.Recipient, Role: string(p.Role), Amount: toMoney(p.Amount)}
}

func toDistribution(d *models.Distribution) *api.Distribution {
	if d == nil {
		return nil
	}
	out := &api.Distribution{
		Revenue:            toMoney(d.Revenue),
		PlatformFee:        toPayout(d.PlatformFee),
		PlatformFeeMode:    string(d.PlatformFeeMode),
		OperatorPayout:     toPayout(d.OperatorPayout),
		ContributorPayouts: make([]api.Payout, len(d.ContributorPayouts)),
		Residual:           toMoney(d.Residual),
		ComputedAt:         d.ComputedAt,
	}
	for i, p := range d.ContributorPayouts {
		out.ContributorPayouts[i] = toPayout(p)
	}
	return out
}

func toReceipts(in []models.TransferReceipt) []api.TransferReceipt {
	out := make([]api.TransferReceipt, len(in))
	for i, r := range in {
		out[i] = api.TransferReceipt{
			Line:       r.Line,
			Attempt:    r.Attempt,
			Recipient:  r.Recipient,
			Role:       string(r.Role),
			Amount:     toMoney(r.Amount),
			Outcome:    string(r.Outcome),
			Reference:  r.Reference,
			Error:      r.Error,
			RecordedAt: r.RecordedAt,
		}
	}
	return out
}

func toRejection(r *models.Rejection) *api.Rejection {
	if r == nil {
		return nil
	}
	return &api.Rejection{Check: r.Check, Reason: r.Reason, Expected: r.Expected, Actual: r.Actual}
}

func toSettlement(s *models.Settlement) *api.Settlement {
	if s == nil {
		return nil
	}
	out := &api.Settlement{
		Id:                s.ID,
		ProjectId:         s.ProjectID,
		State:             string(s.State),
		Version:           s.Version,
		OperatorIdentity:  s.OperatorIdentity,
		ReportedRevenue:   toMoney(s.ReportedRevenue),
		EvidenceReference: s.EvidenceReference,
		EvidenceDigest:    s.EvidenceDigest,
		VerifiedDigest:    s.VerifiedDigest,
		VerifierIdentity:  s.VerifierIdentity,
		VerifiedAt:        s.VerifiedAt,
		Rejection:         toRejection(s.Rejection),
		Distribution:      toDistribution(s.Distribution),
		Receipts:          toReceipts(s.Receipts),
		AuditReceipts:     make([]api.AuditReceipt, len(s.AuditReceipts)),
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
	for i, a := range s.AuditReceipts {
		out.AuditReceipts[i] = api.AuditReceipt{
			Kind:              a.Kind,
			Signer:            a.Signer,
			Reference:         a.Reference,
			DocumentReference: a.DocumentReference,
			RecordedAt:        a.RecordedAt,
		}
	}
	return out
}

func toBalances(in []calculator.RecipientBalance) []*api.RecipientBalance {
	out := make([]*api.RecipientBalance, len(in))
	for i, b := range in {
		out[i] = &api.RecipientBalance{
			Recipient: b.Recipient,
			Role:      string(b.Role),
			Owed:      toMoney(b.Owed),
			Paid:      toMoney(b.Paid),
			Due:       toMoney(b.Due),
		}
	}
	return out
}

func toUser(u *models.User) *api.User {
	return &api.User{
		Id:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Role:        string(u.Role),
		Identity:    u.Identity,
		CreatedAt:   u.CreatedAt,
	}
}
