package settlement

import (
	"context"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/travisim/farmify/internal/calculator"
	"github.com/travisim/farmify/internal/docstore"
	"github.com/travisim/farmify/internal/errors"
	"github.com/travisim/farmify/internal/evidence"
	"github.com/travisim/farmify/internal/models"
	"github.com/travisim/farmify/internal/money"
)

// Audit record kinds as stored on the settlement.
const (
	AuditSubmission        = "proof_submitted"
	AuditVerification      = "proof_verified"
	AuditRejection         = "settlement_rejection"
	AuditDistribution      = "settlement_distribution"
	AuditDistributionRetry = "settlement_distribution_retry"
)

// dataType values carried inside the payloads.
const (
	dataTypeProof = "settlement_proof"
)

func moneyValue(m money.Money) map[string]any {
	return map[string]any{
		"amount": m.Amount.String(),
		"asset":  m.Asset,
	}
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func proofPayload(s *models.Settlement, at time.Time) map[string]any {
	return map[string]any{
		"dataType":          dataTypeProof,
		"projectId":         s.ProjectID,
		"settlementId":      s.ID,
		"reportedRevenue":   moneyValue(s.ReportedRevenue),
		"evidenceReference": s.EvidenceReference,
		"evidenceDigest":    s.EvidenceDigest,
		"timestamp":         timestamp(at),
	}
}

func verificationPayload(s *models.Settlement, at time.Time) map[string]any {
	fields := proofPayload(s, at)
	fields["verifiedDigest"] = s.VerifiedDigest
	fields["verificationDate"] = timestamp(time.Unix(s.VerifiedAt, 0))
	fields["adminVerifierAddress"] = s.VerifierIdentity
	return fields
}

func rejectionPayload(s *models.Settlement, at time.Time) map[string]any {
	fields := map[string]any{
		"dataType":             AuditRejection,
		"projectId":            s.ProjectID,
		"settlementId":         s.ID,
		"reportedRevenue":      moneyValue(s.ReportedRevenue),
		"evidenceReference":    s.EvidenceReference,
		"evidenceDigest":       s.EvidenceDigest,
		"verifiedDigest":       s.VerifiedDigest,
		"adminVerifierAddress": s.VerifierIdentity,
		"timestamp":            timestamp(at),
	}
	if r := s.Rejection; r != nil {
		fields["check"] = r.Check
		fields["reason"] = r.Reason
		if r.Expected != "" || r.Actual != "" {
			fields["expected"] = r.Expected
			fields["actual"] = r.Actual
		}
	}
	return fields
}

// distributionPayload summarizes the receipts of one run. For a retry run
// only the given receipts are listed.
func distributionPayload(kind string, s *models.Settlement, receipts []models.TransferReceipt, at time.Time) map[string]any {
	d := s.Distribution
	outcomes := make([]any, 0, len(receipts))
	for _, r := range receipts {
		o := map[string]any{
			"line":      r.Line,
			"attempt":   r.Attempt,
			"recipient": r.Recipient,
			"role":      string(r.Role),
			"amount":    r.Amount.Amount.String(),
			"outcome":   string(r.Outcome),
		}
		if r.Reference != "" {
			o["receipt"] = r.Reference
		}
		if r.Error != "" {
			o["error"] = r.Error
		}
		outcomes = append(outcomes, o)
	}

	var unpaid []any
	for _, line := range calculator.Outstanding(d, s.Receipts) {
		unpaid = append(unpaid, line.Line)
	}

	return map[string]any{
		"dataType":               kind,
		"projectId":              s.ProjectID,
		"settlementId":           s.ID,
		"totalRevenue":           moneyValue(d.Revenue),
		"platformFee":            moneyValue(d.PlatformFee.Amount),
		"platformFeeMode":        string(d.PlatformFeeMode),
		"operatorPayout":         moneyValue(d.OperatorPayout.Amount),
		"totalContributorPayout": moneyValue(d.TotalContributorPayout()),
		"residual":               moneyValue(d.Residual),
		"perRecipientOutcomes":   outcomes,
		"unpaidLines":            unpaid,
		"timestamp":              timestamp(at),
	}
}

// auditSigner returns the signer of the first record of kind, or "".
func auditSigner(s *models.Settlement, kind string) string {
	for _, a := range s.AuditReceipts {
		if a.Kind == kind {
			return a.Signer
		}
	}
	return ""
}

// unaudited returns the transfer receipts no distribution record accounts
// for yet, in the order they were recorded.
func unaudited(s *models.Settlement) []models.TransferReceipt {
	covered := 0
	for _, a := range s.AuditReceipts {
		if (a.Kind == AuditDistribution || a.Kind == AuditDistributionRetry) && a.Covers > covered {
			covered = a.Covers
		}
	}
	if covered >= len(s.Receipts) {
		return nil
	}
	return s.Receipts[covered:]
}

// emit records payload on the audit ledger and appends the receipt to the
// settlement. When the payload exceeds the ledger bound and spill is set,
// the full payload is stored in the document store and the ledger gets a
// reference to it instead.
func (e *Engine) emit(ctx context.Context, s *models.Settlement, kind, signer string, fields map[string]any, spill bool) error {
	payload, err := structpb.NewStruct(fields)
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidInput, "build %s audit payload: %v", kind, err)
	}

	var docRef docstore.Address
	if limit := e.audit.MaxPayloadSize(); spill && limit > 0 && proto.Size(payload) > limit {
		docRef, payload, err = e.spill(ctx, payload)
		if err != nil {
			return err
		}
	}

	auditCtx, cancel := withTimeout(ctx, e.opts.AuditLedgerTimeout)
	receipt, err := e.audit.Record(auditCtx, signer, payload)
	err = external(auditCtx, err)
	cancel()
	if err != nil {
		return errors.Wrapf(err, "record %s audit", kind)
	}

	ar := models.AuditReceipt{
		Kind:              kind,
		Signer:            signer,
		Reference:         receipt.Reference,
		DocumentReference: docRef.String(),
		RecordedAt:        receipt.RecordedAt.Unix(),
	}
	if kind == AuditDistribution || kind == AuditDistributionRetry {
		ar.Covers = len(s.Receipts)
	}
	if err := e.store.AppendAuditReceipt(ctx, s.ID, ar); err != nil {
		return err
	}
	s.AuditReceipts = append(s.AuditReceipts, ar)

	e.logger.Info("Audit record emitted",
		"settlement_id", s.ID,
		"kind", kind,
		"signer", signer,
		"reference", receipt.Reference,
		"document_reference", ar.DocumentReference,
	)
	return nil
}

// spill stores the full payload off-ledger and returns the pointer payload
// that replaces it.
func (e *Engine) spill(ctx context.Context, full *structpb.Struct) (docstore.Address, *structpb.Struct, error) {
	raw, err := protojson.MarshalOptions{Multiline: true}.Marshal(full)
	if err != nil {
		return "", nil, errors.Wrapf(errors.ErrInvalidInput, "encode audit summary: %v", err)
	}
	addr, err := e.storeDocument(ctx, raw)
	if err != nil {
		return "", nil, err
	}

	fields := full.GetFields()
	pointer := map[string]any{
		"summaryReference": addr.String(),
		"summaryDigest":    evidence.Compute(raw).String(),
	}
	for _, key := range []string{"dataType", "projectId", "settlementId", "totalRevenue", "platformFee",
		"platformFeeMode", "operatorPayout", "totalContributorPayout", "residual", "timestamp"} {
		if v, ok := fields[key]; ok {
			pointer[key] = v.AsInterface()
		}
	}
	payload, err := structpb.NewStruct(pointer)
	if err != nil {
		return "", nil, errors.Wrapf(errors.ErrInvalidInput, "build audit pointer: %v", err)
	}
	if limit := e.audit.MaxPayloadSize(); proto.Size(payload) > limit {
		return "", nil, errors.Wrapf(errors.ErrPayloadTooLarge, "audit pointer of %d bytes exceeds %d", proto.Size(payload), limit)
	}
	return addr, payload, nil
}

// storeDocument puts and pins data, each under the document store timeout.
func (e *Engine) storeDocument(ctx context.Context, data []byte) (docstore.Address, error) {
	putCtx, cancel := withTimeout(ctx, e.opts.DocumentStoreTimeout)
	addr, err := e.documents.Put(putCtx, data)
	err = external(putCtx, err)
	cancel()
	if err != nil {
		return "", errors.Wrap(err, "store document")
	}

	pinCtx, cancel := withTimeout(ctx, e.opts.DocumentStoreTimeout)
	err = external(pinCtx, e.documents.Pin(pinCtx, addr))
	cancel()
	if err != nil {
		return "", errors.Wrapf(err, "pin document %s", addr)
	}
	return addr, nil
}
