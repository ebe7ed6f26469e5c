package settlement

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/travisim/farmify/internal/calculator"
	"github.com/travisim/farmify/internal/errors"
	"github.com/travisim/farmify/internal/models"
	"github.com/travisim/farmify/internal/money"
)

// RegisterProjectInput describes a new project. Nil percentages take the
// platform defaults.
type RegisterProjectInput struct {
	ID                      string
	Name                    string
	OperatorIdentity        string
	TreasuryIdentity        string
	Asset                   string
	PlatformFeePercentage   *decimal.Decimal
	OperatorSharePercentage *decimal.Decimal
	Contributors            []models.ContributorShare
}

// RegisterProject validates the waterfall terms and persists the project.
// Invalid terms are reported as ErrConfiguration before anything is stored.
func (e *Engine) RegisterProject(ctx context.Context, in RegisterProjectInput) (project *models.Project, err error) {
	defer func() { e.metrics.observeOperation("register_project", err) }()

	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "project name is required")
	}
	if in.OperatorIdentity == "" || in.TreasuryIdentity == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "operator and treasury identities are required")
	}
	if in.OperatorIdentity == in.TreasuryIdentity {
		return nil, errors.Wrap(errors.ErrConfiguration, "treasury identity must differ from the operator identity")
	}
	if !money.IsAssetCode(in.Asset) {
		return nil, errors.Wrapf(errors.ErrConfiguration, "invalid asset code %q", in.Asset)
	}

	fee := e.opts.DefaultPlatformFee
	if in.PlatformFeePercentage != nil {
		fee = *in.PlatformFeePercentage
	}
	share := e.opts.DefaultOperatorShare
	if in.OperatorSharePercentage != nil {
		share = *in.OperatorSharePercentage
	}
	if err := calculator.ValidateTerms(in.Asset, fee, share, in.Contributors); err != nil {
		return nil, err
	}

	project = &models.Project{
		ID:                      in.ID,
		Name:                    in.Name,
		OperatorIdentity:        in.OperatorIdentity,
		TreasuryIdentity:        in.TreasuryIdentity,
		Asset:                   in.Asset,
		PlatformFeePercentage:   fee,
		OperatorSharePercentage: share,
		Contributors:            in.Contributors,
	}
	if err := e.store.CreateProject(ctx, project); err != nil {
		return nil, err
	}

	e.logger.Info("Project registered",
		"project_id", project.ID,
		"operator", project.OperatorIdentity,
		"contributors", len(project.Contributors),
	)
	return project, nil
}

func (e *Engine) GetProject(ctx context.Context, projectID string) (*models.Project, error) {
	if projectID == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "project id is required")
	}
	return e.store.GetProject(ctx, projectID)
}

func (e *Engine) ListProjects(ctx context.Context) ([]*models.Project, error) {
	return e.store.ListProjects(ctx)
}
