package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/travisim/farmify/internal/errors"
	"github.com/travisim/farmify/internal/models"
)

// CreateProject persists a project and its contributors.
func (s *SQLiteStore) CreateProject(ctx context.Context, project *models.Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	if project.CreatedAt == 0 {
		project.CreatedAt = time.Now().Unix()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO projects (id, name, operator_identity, treasury_identity, asset,
		     platform_fee_percentage, operator_share_percentage, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		project.ID, project.Name, project.OperatorIdentity, project.TreasuryIdentity, project.Asset,
		project.PlatformFeePercentage.String(), project.OperatorSharePercentage.String(), project.CreatedAt,
	)
	if isConstraint(err) {
		return errors.Wrapf(errors.ErrDuplicate, "project %s already exists", project.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}

	for i, c := range project.Contributors {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO project_contributors (project_id, position, identity, contributed_amount, contributed_asset, share_percentage)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			project.ID, i, c.Identity, c.ContributedAmount.Amount.String(), c.ContributedAmount.Asset, c.SharePercentage.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert contributor: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetProject retrieves a project with its contributors in listed order.
func (s *SQLiteStore) GetProject(ctx context.Context, projectID string) (*models.Project, error) {
	project, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT id, name, operator_identity, treasury_identity, asset,
		     platform_fee_percentage, operator_share_percentage, created_at
		 FROM projects WHERE id = ?`,
		projectID,
	))
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "project %s", projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	if project.Contributors, err = s.getContributors(ctx, projectID); err != nil {
		return nil, err
	}
	return project, nil
}

// ListProjects returns all projects, oldest first.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, operator_identity, treasury_identity, asset,
		     platform_fee_percentage, operator_share_percentage, created_at
		 FROM projects ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate projects: %w", err)
	}

	// Contributors are loaded after the project rows are closed.
	for _, p := range projects {
		if p.Contributors, err = s.getContributors(ctx, p.ID); err != nil {
			return nil, err
		}
	}
	return projects, nil
}

func (s *SQLiteStore) getContributors(ctx context.Context, projectID string) ([]models.ContributorShare, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, contributed_amount, contributed_asset, share_percentage
		 FROM project_contributors WHERE project_id = ? ORDER BY position`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get contributors: %w", err)
	}
	defer rows.Close()

	var contributors []models.ContributorShare
	for rows.Next() {
		var (
			c                  models.ContributorShare
			contributed, share string
		)
		if err := rows.Scan(&c.Identity, &contributed, &c.ContributedAmount.Asset, &share); err != nil {
			return nil, fmt.Errorf("failed to scan contributor: %w", err)
		}
		if c.ContributedAmount.Amount, err = decimal.NewFromString(contributed); err != nil {
			return nil, fmt.Errorf("failed to parse contributed amount: %w", err)
		}
		if c.SharePercentage, err = decimal.NewFromString(share); err != nil {
			return nil, fmt.Errorf("failed to parse share percentage: %w", err)
		}
		contributors = append(contributors, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate contributors: %w", err)
	}
	return contributors, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*models.Project, error) {
	p := &models.Project{}
	var fee, share string
	if err := row.Scan(&p.ID, &p.Name, &p.OperatorIdentity, &p.TreasuryIdentity, &p.Asset, &fee, &share, &p.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.PlatformFeePercentage, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("failed to parse platform fee: %w", err)
	}
	if p.OperatorSharePercentage, err = decimal.NewFromString(share); err != nil {
		return nil, fmt.Errorf("failed to parse operator share: %w", err)
	}
	return p, nil
}
