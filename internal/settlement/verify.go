package settlement

import (
	"context"

	"github.com/travisim/farmify/internal/calculator"
	"github.com/travisim/farmify/internal/docstore"
	"github.com/travisim/farmify/internal/errors"
	"github.com/travisim/farmify/internal/evidence"
	"github.com/travisim/farmify/internal/models"
	"github.com/travisim/farmify/internal/money"
)

// Decision is the verifier's out-of-band review of the evidence content.
type Decision struct {
	Accept bool
	Reason string
}

type VerifyProofInput struct {
	VerifierIdentity  string
	ProjectID         string
	ReportedRevenue   money.Money
	EvidenceReference string
	EvidenceDigest    string
	Decision          Decision
}

type VerifyProofResult struct {
	Settlement *models.Settlement
	Verified   bool

	// Preview is the waterfall the verified revenue would produce. It is
	// informational; the distribution is stored by ComputeWaterfall.
	Preview *models.Distribution
}

// VerifyProof re-reads the evidence, recomputes its digest and either
// notarizes the proof or rejects the settlement.
//
// A digest mismatch rejects the settlement and returns the result together
// with an ErrIntegrity error. A policy rejection returns the result with a
// nil error.
func (e *Engine) VerifyProof(ctx context.Context, in VerifyProofInput) (result *VerifyProofResult, err error) {
	defer func() { e.metrics.observeOperation("verify_proof", err) }()

	if in.VerifierIdentity == "" {
		return nil, errors.Wrap(errors.ErrUnauthorized, "verifier identity is required")
	}

	var integrityErr error
	err = e.withProject(ctx, in.ProjectID, func(project *models.Project) error {
		s, err := e.current(ctx, project.ID)
		if err != nil {
			return err
		}
		if in.VerifierIdentity == s.OperatorIdentity || in.VerifierIdentity == project.OperatorIdentity {
			return errors.Wrap(errors.ErrUnauthorized, "the operator cannot verify its own proof")
		}

		// A rejection whose audit record was never emitted is completed by
		// the next call.
		if s.State == models.StateRejected && !s.HasAudit(AuditRejection) {
			if err := e.emit(ctx, s, AuditRejection, s.VerifierIdentity, rejectionPayload(s, e.now()), false); err != nil {
				return err
			}
			result = &VerifyProofResult{Settlement: s}
			return nil
		}
		if s.State != models.StateProofSubmitted {
			return errors.Wrapf(errors.ErrInvalidState, "settlement %s is %s, not %s", s.ID, s.State, models.StateProofSubmitted)
		}

		if err := matchSubmission(s, in); err != nil {
			return err
		}

		getCtx, cancel := withTimeout(ctx, e.opts.DocumentStoreTimeout)
		raw, err := e.documents.Get(getCtx, docstore.Address(s.EvidenceReference))
		err = external(getCtx, err)
		cancel()
		if err != nil {
			return errors.Wrapf(err, "retrieve evidence %s", s.EvidenceReference)
		}

		submitted, err := evidence.Parse(s.EvidenceDigest)
		if err != nil {
			return err
		}
		recomputed := evidence.Compute(raw)
		s.VerifiedDigest = recomputed.String()
		s.VerifierIdentity = in.VerifierIdentity
		s.VerifiedAt = e.now().Unix()

		switch {
		case !recomputed.Equal(submitted):
			s.Rejection = &models.Rejection{
				Check:    models.CheckDigestMismatch,
				Reason:   "evidence digest does not match the submitted digest",
				Expected: submitted.String(),
				Actual:   recomputed.String(),
			}
			if err := e.reject(ctx, s); err != nil {
				return err
			}
			integrityErr = errors.Wrapf(errors.ErrIntegrity, "settlement %s: expected %s, got %s", s.ID, submitted, recomputed)
			result = &VerifyProofResult{Settlement: s}
			return nil

		case !in.Decision.Accept && s.HasAudit(AuditVerification):
			return errors.Wrapf(errors.ErrInvalidState, "settlement %s was already notarized as verified", s.ID)

		case !in.Decision.Accept:
			reason := in.Decision.Reason
			if reason == "" {
				reason = "rejected by verifier"
			}
			s.Rejection = &models.Rejection{Check: models.CheckPolicy, Reason: reason}
			if err := e.reject(ctx, s); err != nil {
				return err
			}
			result = &VerifyProofResult{Settlement: s}
			return nil
		}

		// The notarized record goes out before the state changes: Verified
		// always has an audit record behind it. A retry after a failed state
		// write reuses the record already emitted for this digest.
		if notarized := auditSigner(s, AuditVerification); notarized != "" {
			s.VerifierIdentity = notarized
		} else if err := e.emit(ctx, s, AuditVerification, in.VerifierIdentity, verificationPayload(s, e.now()), false); err != nil {
			return err
		}
		if err := e.advance(ctx, s, models.StateVerified); err != nil {
			return err
		}

		result = &VerifyProofResult{Settlement: s, Verified: true}
		preview, err := calculator.ComputeWaterfall(e.waterfallInput(project, s.ReportedRevenue))
		if err != nil {
			e.logger.Warn("Distribution preview failed", "settlement_id", s.ID, "error", err)
		} else {
			preview.ComputedAt = e.now().Unix()
			result.Preview = preview
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, integrityErr
}

// reject persists the Rejected state, then emits the rejection record.
func (e *Engine) reject(ctx context.Context, s *models.Settlement) error {
	if err := e.advance(ctx, s, models.StateRejected); err != nil {
		return err
	}
	e.logger.Warn("Settlement rejected",
		"settlement_id", s.ID,
		"project_id", s.ProjectID,
		"check", s.Rejection.Check,
		"reason", s.Rejection.Reason,
	)
	return e.emit(ctx, s, AuditRejection, s.VerifierIdentity, rejectionPayload(s, e.now()), false)
}

// matchSubmission checks that the verifier reviewed the submitted record.
func matchSubmission(s *models.Settlement, in VerifyProofInput) error {
	if in.EvidenceReference != s.EvidenceReference {
		return errors.Wrapf(errors.ErrInvalidInput, "evidence reference %q does not match the submission", in.EvidenceReference)
	}
	if in.EvidenceDigest != s.EvidenceDigest {
		return errors.Wrapf(errors.ErrInvalidInput, "evidence digest %q does not match the submission", in.EvidenceDigest)
	}
	if !in.ReportedRevenue.Equal(s.ReportedRevenue) {
		return errors.Wrapf(errors.ErrInvalidInput, "reported revenue %s does not match the submitted %s", in.ReportedRevenue, s.ReportedRevenue)
	}
	return nil
}
