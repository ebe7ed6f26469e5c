package settlement

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/travisim/farmify/internal/calculator"
	"github.com/travisim/farmify/internal/errors"
	"github.com/travisim/farmify/internal/models"
	"github.com/travisim/farmify/internal/money"
)

func (e *Engine) waterfallInput(project *models.Project, revenue money.Money) calculator.WaterfallInput {
	return calculator.WaterfallInput{
		Revenue:                 revenue,
		PlatformFeePercentage:   project.PlatformFeePercentage,
		OperatorSharePercentage: project.OperatorSharePercentage,
		PlatformIdentity:        e.opts.PlatformIdentity,
		PlatformFeeMode:         e.opts.FeeMode,
		OperatorIdentity:        project.OperatorIdentity,
		Contributors:            project.Contributors,
	}
}

// ComputeWaterfall stores the distribution of a Verified settlement and
// returns it. The distribution is computed once; later calls return the
// stored one.
func (e *Engine) ComputeWaterfall(ctx context.Context, projectID string) (dist *models.Distribution, err error) {
	defer func() { e.metrics.observeOperation("compute_waterfall", err) }()

	err = e.withProject(ctx, projectID, func(project *models.Project) error {
		s, err := e.current(ctx, project.ID)
		if err != nil {
			return err
		}
		dist, err = e.ensureDistribution(ctx, project, s)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dist, nil
}

// ensureDistribution returns the stored distribution of s, computing and
// persisting it first when s is Verified without one.
func (e *Engine) ensureDistribution(ctx context.Context, project *models.Project, s *models.Settlement) (*models.Distribution, error) {
	if s.Distribution != nil {
		return s.Distribution, nil
	}
	if s.State != models.StateVerified {
		return nil, errors.Wrapf(errors.ErrInvalidState, "settlement %s is %s; only verified revenue is distributed", s.ID, s.State)
	}

	d, err := calculator.ComputeWaterfall(e.waterfallInput(project, s.ReportedRevenue))
	if err != nil {
		return nil, err
	}
	d.ComputedAt = e.now().Unix()
	s.Distribution = d
	if err := e.store.UpdateSettlement(ctx, s); err != nil {
		s.Distribution = nil
		return nil, err
	}

	e.logger.Info("Waterfall computed",
		"settlement_id", s.ID,
		"revenue", d.Revenue.String(),
		"platform_fee", d.PlatformFee.Amount.String(),
		"operator_payout", d.OperatorPayout.Amount.String(),
		"contributor_payout", d.TotalContributorPayout().String(),
		"residual", d.Residual.String(),
	)
	return d, nil
}

// PreviewInput are the terms for a waterfall preview. Nil percentages take
// the platform defaults.
type PreviewInput struct {
	Revenue                 money.Money
	PlatformFeePercentage   *decimal.Decimal
	OperatorSharePercentage *decimal.Decimal
	OperatorIdentity        string
	Contributors            []models.ContributorShare
}

// PreviewWaterfall runs the calculator without touching any settlement.
func (e *Engine) PreviewWaterfall(in PreviewInput) (*models.Distribution, error) {
	fee := e.opts.DefaultPlatformFee
	if in.PlatformFeePercentage != nil {
		fee = *in.PlatformFeePercentage
	}
	share := e.opts.DefaultOperatorShare
	if in.OperatorSharePercentage != nil {
		share = *in.OperatorSharePercentage
	}
	d, err := calculator.ComputeWaterfall(calculator.WaterfallInput{
		Revenue:                 in.Revenue,
		PlatformFeePercentage:   fee,
		OperatorSharePercentage: share,
		PlatformIdentity:        e.opts.PlatformIdentity,
		PlatformFeeMode:         e.opts.FeeMode,
		OperatorIdentity:        in.OperatorIdentity,
		Contributors:            in.Contributors,
	})
	if err != nil {
		return nil, err
	}
	d.ComputedAt = e.now().Unix()
	return d, nil
}
