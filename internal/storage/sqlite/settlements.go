package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/travisim/farmify/internal/errors"
	"github.com/travisim/farmify/internal/models"
)

const settlementColumns = `id, project_id, state, version, operator_identity, revenue_amount, revenue_asset,
	evidence_reference, evidence_digest, verified_digest, verifier_identity, verified_at,
	rejection, distribution, created_at, updated_at`

// CreateSettlement persists a new settlement to the database.
func (s *SQLiteStore) CreateSettlement(ctx context.Context, settlement *models.Settlement) error {
	// Generate ID if not set
	if settlement.ID == "" {
		settlement.ID = uuid.New().String()
	}
	now := time.Now().Unix()
	if settlement.CreatedAt == 0 {
		settlement.CreatedAt = now
	}
	settlement.UpdatedAt = now
	settlement.Version = 1
	if settlement.State == "" {
		settlement.State = models.StateNoProof
	}

	rejection, distribution, err := encodeDetails(settlement)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settlements (`+settlementColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		settlement.ID, settlement.ProjectID, settlement.State, settlement.Version, settlement.OperatorIdentity,
		settlement.ReportedRevenue.Amount.String(), settlement.ReportedRevenue.Asset,
		settlement.EvidenceReference, settlement.EvidenceDigest, settlement.VerifiedDigest,
		settlement.VerifierIdentity, settlement.VerifiedAt, rejection, distribution,
		settlement.CreatedAt, settlement.UpdatedAt,
	)
	if isConstraint(err) {
		return errors.Wrapf(errors.ErrDuplicate, "project %s already has an open settlement", settlement.ProjectID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert settlement: %w", err)
	}
	return nil
}

// GetSettlement retrieves a settlement by ID, including its receipts.
func (s *SQLiteStore) GetSettlement(ctx context.Context, settlementID string) (*models.Settlement, error) {
	settlement, err := scanSettlement(s.db.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE id = ?`,
		settlementID,
	))
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "settlement %s", settlementID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	if err := s.loadReceipts(ctx, settlement); err != nil {
		return nil, err
	}
	return settlement, nil
}

// CurrentSettlement retrieves the newest settlement of a project.
func (s *SQLiteStore) CurrentSettlement(ctx context.Context, projectID string) (*models.Settlement, error) {
	settlement, err := scanSettlement(s.db.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE project_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		projectID,
	))
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "project %s has no settlement", projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current settlement: %w", err)
	}
	if err := s.loadReceipts(ctx, settlement); err != nil {
		return nil, err
	}
	return settlement, nil
}

// ListSettlements retrieves all settlements for a project, newest first.
func (s *SQLiteStore) ListSettlements(ctx context.Context, projectID string) ([]*models.Settlement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE project_id = ?
		 ORDER BY created_at DESC, rowid DESC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}

	var settlements []*models.Settlement
	for rows.Next() {
		settlement, err := scanSettlement(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		settlements = append(settlements, settlement)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate settlements: %w", err)
	}

	for _, settlement := range settlements {
		if err := s.loadReceipts(ctx, settlement); err != nil {
			return nil, err
		}
	}
	return settlements, nil
}

// UpdateSettlement writes the mutable fields under an optimistic version
// check. The distribution column is write-once.
func (s *SQLiteStore) UpdateSettlement(ctx context.Context, settlement *models.Settlement) error {
	rejection, distribution, err := encodeDetails(settlement)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	result, err := s.db.ExecContext(ctx,
		`UPDATE settlements SET
		     state = ?, version = version + 1, operator_identity = ?,
		     revenue_amount = ?, revenue_asset = ?,
		     evidence_reference = ?, evidence_digest = ?, verified_digest = ?,
		     verifier_identity = ?, verified_at = ?, rejection = ?,
		     distribution = COALESCE(distribution, ?), updated_at = ?
		 WHERE id = ? AND version = ?`,
		settlement.State, settlement.OperatorIdentity,
		settlement.ReportedRevenue.Amount.String(), settlement.ReportedRevenue.Asset,
		settlement.EvidenceReference, settlement.EvidenceDigest, settlement.VerifiedDigest,
		settlement.VerifierIdentity, settlement.VerifiedAt, rejection,
		distribution, now,
		settlement.ID, settlement.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update settlement: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		var version int64
		err := s.db.QueryRowContext(ctx, "SELECT version FROM settlements WHERE id = ?", settlement.ID).Scan(&version)
		if err == sql.ErrNoRows {
			return errors.Wrapf(errors.ErrNotFound, "settlement %s", settlement.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to check settlement version: %w", err)
		}
		return errors.Wrapf(errors.ErrConflict, "settlement %s is at version %d, update was based on %d",
			settlement.ID, version, settlement.Version)
	}

	settlement.Version++
	settlement.UpdatedAt = now
	return nil
}

// AppendTransferReceipt records one transfer attempt.
func (s *SQLiteStore) AppendTransferReceipt(ctx context.Context, settlementID string, r models.TransferReceipt) error {
	if r.RecordedAt == 0 {
		r.RecordedAt = time.Now().Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transfer_receipts (settlement_id, line, attempt, recipient, role, amount, asset, outcome, reference, error, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		settlementID, r.Line, r.Attempt, r.Recipient, r.Role, r.Amount.Amount.String(), r.Amount.Asset,
		r.Outcome, r.Reference, r.Error, r.RecordedAt,
	)
	if isConstraint(err) {
		return errors.Wrapf(errors.ErrDuplicate, "receipt %s/%d/%d already recorded", settlementID, r.Line, r.Attempt)
	}
	if err != nil {
		return fmt.Errorf("failed to insert transfer receipt: %w", err)
	}
	return nil
}

// AppendAuditReceipt records a reference to an emitted audit record.
func (s *SQLiteStore) AppendAuditReceipt(ctx context.Context, settlementID string, r models.AuditReceipt) error {
	if r.RecordedAt == 0 {
		r.RecordedAt = time.Now().Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_receipts (settlement_id, kind, signer, reference, document_reference, recorded_at, covers)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		settlementID, r.Kind, r.Signer, r.Reference, r.DocumentReference, r.RecordedAt, r.Covers,
	)
	if isConstraint(err) {
		return errors.Wrapf(errors.ErrNotFound, "settlement %s", settlementID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert audit receipt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) loadReceipts(ctx context.Context, settlement *models.Settlement) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT line, attempt, recipient, role, amount, asset, outcome, reference, error, recorded_at
		 FROM transfer_receipts WHERE settlement_id = ? ORDER BY rowid`,
		settlement.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to get transfer receipts: %w", err)
	}
	for rows.Next() {
		var (
			r      models.TransferReceipt
			amount string
		)
		if err := rows.Scan(&r.Line, &r.Attempt, &r.Recipient, &r.Role, &amount, &r.Amount.Asset,
			&r.Outcome, &r.Reference, &r.Error, &r.RecordedAt); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan transfer receipt: %w", err)
		}
		if r.Amount.Amount, err = decimal.NewFromString(amount); err != nil {
			rows.Close()
			return fmt.Errorf("failed to parse receipt amount: %w", err)
		}
		settlement.Receipts = append(settlement.Receipts, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate transfer receipts: %w", err)
	}

	auditRows, err := s.db.QueryContext(ctx,
		`SELECT kind, signer, reference, document_reference, recorded_at, covers
		 FROM audit_receipts WHERE settlement_id = ? ORDER BY id`,
		settlement.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to get audit receipts: %w", err)
	}
	defer auditRows.Close()
	for auditRows.Next() {
		var a models.AuditReceipt
		if err := auditRows.Scan(&a.Kind, &a.Signer, &a.Reference, &a.DocumentReference, &a.RecordedAt, &a.Covers); err != nil {
			return fmt.Errorf("failed to scan audit receipt: %w", err)
		}
		settlement.AuditReceipts = append(settlement.AuditReceipts, a)
	}
	if err := auditRows.Err(); err != nil {
		return fmt.Errorf("failed to iterate audit receipts: %w", err)
	}
	return nil
}

func scanSettlement(row scanner) (*models.Settlement, error) {
	s := &models.Settlement{}
	var (
		revenue                 string
		rejection, distribution sql.NullString
	)
	if err := row.Scan(&s.ID, &s.ProjectID, &s.State, &s.Version, &s.OperatorIdentity, &revenue, &s.ReportedRevenue.Asset,
		&s.EvidenceReference, &s.EvidenceDigest, &s.VerifiedDigest, &s.VerifierIdentity, &s.VerifiedAt,
		&rejection, &distribution, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if s.ReportedRevenue.Amount, err = decimal.NewFromString(revenue); err != nil {
		return nil, fmt.Errorf("failed to parse revenue: %w", err)
	}
	if rejection.Valid {
		s.Rejection = &models.Rejection{}
		if err := json.Unmarshal([]byte(rejection.String), s.Rejection); err != nil {
			return nil, fmt.Errorf("failed to decode rejection: %w", err)
		}
	}
	if distribution.Valid {
		s.Distribution = &models.Distribution{}
		if err := json.Unmarshal([]byte(distribution.String), s.Distribution); err != nil {
			return nil, fmt.Errorf("failed to decode distribution: %w", err)
		}
	}
	return s, nil
}

// encodeDetails serializes the optional nested records; nil stays NULL.
func encodeDetails(s *models.Settlement) (rejection, distribution interface{}, err error) {
	if s.Rejection != nil {
		b, err := json.Marshal(s.Rejection)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode rejection: %w", err)
		}
		rejection = string(b)
	}
	if s.Distribution != nil {
		b, err := json.Marshal(s.Distribution)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode distribution: %w", err)
		}
		distribution = string(b)
	}
	return rejection, distribution, nil
}
