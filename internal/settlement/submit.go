package settlement

import (
	"context"

	"github.com/travisim/farmify/internal/errors"
	"github.com/travisim/farmify/internal/evidence"
	"github.com/travisim/farmify/internal/models"
	"github.com/travisim/farmify/internal/money"
)

type SubmitProofInput struct {
	OperatorIdentity string
	ProjectID        string
	ReportedRevenue  money.Money
	Evidence         []byte
}

// SubmitProof stores and pins the evidence, records the signed proof on
// the audit ledger and moves the project's settlement to ProofSubmitted.
//
// The settlement is persisted as a NoProof draft first. If storing the
// evidence or recording the audit entry fails, the draft stays NoProof and
// the next SubmitProof for the project resumes it.
func (e *Engine) SubmitProof(ctx context.Context, in SubmitProofInput) (result *models.Settlement, err error) {
	defer func() { e.metrics.observeOperation("submit_proof", err) }()

	if len(in.Evidence) == 0 {
		return nil, errors.Wrap(errors.ErrInvalidInput, "evidence document is empty")
	}
	if err := in.ReportedRevenue.Validate(); err != nil {
		return nil, err
	}
	if !in.ReportedRevenue.IsPositive() {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "reported revenue %s must be positive", in.ReportedRevenue)
	}

	err = e.withProject(ctx, in.ProjectID, func(project *models.Project) error {
		if in.OperatorIdentity == "" || in.OperatorIdentity != project.OperatorIdentity {
			return errors.Wrapf(errors.ErrUnauthorized, "%q is not the operator of project %s", in.OperatorIdentity, project.ID)
		}
		if in.ReportedRevenue.Asset != project.Asset {
			return errors.Wrapf(errors.ErrCrossAsset, "revenue in %s for a project settled in %s", in.ReportedRevenue.Asset, project.Asset)
		}

		s, err := e.draft(ctx, project, in)
		if err != nil {
			return err
		}

		digest := evidence.Compute(in.Evidence)
		addr, err := e.storeDocument(ctx, in.Evidence)
		if err != nil {
			return err
		}

		// Keep the reference on the draft so the stored document is never
		// orphaned by a later failure.
		resumed := s.HasAudit(AuditSubmission) && s.EvidenceDigest == digest.String()
		if s.EvidenceReference != addr.String() || s.EvidenceDigest != digest.String() {
			s.EvidenceReference = addr.String()
			s.EvidenceDigest = digest.String()
			if err := e.store.UpdateSettlement(ctx, s); err != nil {
				return err
			}
		}

		if !resumed {
			if err := e.emit(ctx, s, AuditSubmission, in.OperatorIdentity, proofPayload(s, e.now()), false); err != nil {
				return err
			}
		}

		if err := e.advance(ctx, s, models.StateProofSubmitted); err != nil {
			return err
		}
		result = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// draft returns the NoProof settlement to submit against, creating it when
// the project has no open settlement.
func (e *Engine) draft(ctx context.Context, project *models.Project, in SubmitProofInput) (*models.Settlement, error) {
	s, err := e.current(ctx, project.ID)
	switch {
	case errors.ErrNotFound.Is(err):
	case err != nil:
		return nil, err
	case s.State == models.StateNoProof:
		if !s.ReportedRevenue.Equal(in.ReportedRevenue) {
			s.ReportedRevenue = in.ReportedRevenue
			if err := e.store.UpdateSettlement(ctx, s); err != nil {
				return nil, err
			}
		}
		e.logger.Info("Resuming settlement draft", "settlement_id", s.ID, "project_id", project.ID)
		return s, nil
	case !s.State.IsTerminal():
		return nil, errors.Wrapf(errors.ErrInvalidState, "project %s already has a settlement in state %s", project.ID, s.State)
	}

	s = &models.Settlement{
		ProjectID:        project.ID,
		State:            models.StateNoProof,
		OperatorIdentity: in.OperatorIdentity,
		ReportedRevenue:  in.ReportedRevenue,
	}
	if err := e.store.CreateSettlement(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}
