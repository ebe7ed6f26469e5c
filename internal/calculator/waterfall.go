package calculator

import (
	"github.com/shopspring/decimal"

	"github.com/travisim/farmify/internal/errors"
	"github.com/travisim/farmify/internal/models"
	"github.com/travisim/farmify/internal/money"
)

var one = decimal.NewFromInt(1)

// WaterfallInput carries everything the waterfall needs. It holds no
// references to storage so the computation stays pure.
type WaterfallInput struct {
	Revenue                 money.Money
	PlatformFeePercentage   decimal.Decimal
	OperatorSharePercentage decimal.Decimal
	PlatformIdentity        string
	PlatformFeeMode         models.FeeMode
	OperatorIdentity        string
	Contributors            []models.ContributorShare
}

// ValidateTerms checks the percentages and contributor shares of a project.
// Violations are configuration errors: they are reported before any
// settlement state changes.
func ValidateTerms(asset string, platformFee, operatorShare decimal.Decimal, contributors []models.ContributorShare) error {
	if !money.IsAssetCode(asset) {
		return errors.Wrapf(errors.ErrConfiguration, "invalid asset code %q", asset)
	}
	if platformFee.IsNegative() || platformFee.GreaterThanOrEqual(one) {
		return errors.Wrapf(errors.ErrConfiguration, "platform fee percentage %s outside [0, 1)", platformFee)
	}
	if operatorShare.IsNegative() || operatorShare.GreaterThan(one) {
		return errors.Wrapf(errors.ErrConfiguration, "operator share percentage %s outside [0, 1]", operatorShare)
	}

	if len(contributors) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(contributors))
	total := decimal.Zero
	for i, c := range contributors {
		if c.Identity == "" {
			return errors.Wrapf(errors.ErrConfiguration, "contributor %d has no identity", i)
		}
		if seen[c.Identity] {
			return errors.Wrapf(errors.ErrConfiguration, "contributor %s listed twice", c.Identity)
		}
		seen[c.Identity] = true

		if !c.SharePercentage.IsPositive() {
			return errors.Wrapf(errors.ErrConfiguration, "contributor %s share %s must be positive", c.Identity, c.SharePercentage)
		}
		if c.ContributedAmount.Asset != "" && c.ContributedAmount.Asset != asset {
			return errors.Wrapf(errors.ErrConfiguration, "contributor %s contributed %s, project asset is %s",
				c.Identity, c.ContributedAmount.Asset, asset)
		}
		total = total.Add(c.SharePercentage)
	}

	if total.Sub(one).Abs().GreaterThan(models.ShareTolerance) {
		return errors.Wrapf(errors.ErrConfiguration, "contributor shares sum to %s, want 1", total)
	}
	return nil
}

// ComputeWaterfall splits revenue in a fixed order:
//
//	platformFee     = revenue * platformFeePercentage
//	remainder       = revenue - platformFee
//	operatorPayout  = remainder * operatorSharePercentage
//	contributorPool = remainder - operatorPayout
//	payout_i        = contributorPool * share_i
//
// Intermediate values keep full precision; only the final line values are
// rounded to money.Precision digits. Whatever is not assigned to a line is
// returned as Residual, so fee + operator + contributors + residual always
// equals revenue exactly. Lines round half away from zero, so the lines can
// over-assign by up to half a unit each and Residual is then negative.
//
// ComputedAt is left zero for the caller to stamp.
func ComputeWaterfall(in WaterfallInput) (*models.Distribution, error) {
	if err := in.Revenue.Validate(); err != nil {
		return nil, err
	}
	if !in.Revenue.IsPositive() {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "revenue %s must be positive", in.Revenue)
	}
	if err := ValidateTerms(in.Revenue.Asset, in.PlatformFeePercentage, in.OperatorSharePercentage, in.Contributors); err != nil {
		return nil, err
	}
	feeMode := in.PlatformFeeMode
	if feeMode == "" {
		feeMode = models.FeeModeRetained
	}
	if !feeMode.Valid() {
		return nil, errors.Wrapf(errors.ErrConfiguration, "unknown platform fee mode %q", feeMode)
	}

	revenue := in.Revenue
	fee := revenue.MulRate(in.PlatformFeePercentage)
	remainder, err := revenue.Sub(fee)
	if err != nil {
		return nil, err
	}
	operator := remainder.MulRate(in.OperatorSharePercentage)
	pool, err := remainder.Sub(operator)
	if err != nil {
		return nil, err
	}

	d := &models.Distribution{
		Revenue:         revenue,
		PlatformFeeMode: feeMode,
		PlatformFee: models.Payout{
			Recipient: in.PlatformIdentity,
			Role:      models.PayoutPlatform,
			Amount:    fee.Round(),
		},
		OperatorPayout: models.Payout{
			Recipient: in.OperatorIdentity,
			Role:      models.PayoutOperator,
			Amount:    operator.Round(),
		},
	}

	assigned := []money.Money{d.PlatformFee.Amount, d.OperatorPayout.Amount}
	for _, c := range in.Contributors {
		p := models.Payout{
			Recipient: c.Identity,
			Role:      models.PayoutContributor,
			Amount:    pool.MulRate(c.SharePercentage).Round(),
		}
		d.ContributorPayouts = append(d.ContributorPayouts, p)
		assigned = append(assigned, p.Amount)
	}

	total, err := money.Sum(revenue.Asset, assigned...)
	if err != nil {
		return nil, err
	}
	if d.Residual, err = revenue.Sub(total); err != nil {
		return nil, err
	}
	return d, nil
}
