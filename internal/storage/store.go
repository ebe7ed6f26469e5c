// Package storage provides abstractions for persistent data storage.
package storage

import (
	"context"

	"github.com/travisim/farmify/internal/models"
)

// Store defines the interface for settlement storage operations.
// This abstraction allows swapping storage backends (SQLite, PostgreSQL, etc.)
// without changing the engine or the service layer.
type Store interface {
	ProjectStore
	SettlementStore
	UserStore

	// Close releases any resources held by the store.
	Close() error
}

type ProjectStore interface {
	// CreateProject persists a new project. The ID is generated when empty.
	// Returns ErrDuplicate if the ID is taken.
	CreateProject(ctx context.Context, project *models.Project) error

	// GetProject returns ErrNotFound for an unknown ID.
	GetProject(ctx context.Context, projectID string) (*models.Project, error)

	ListProjects(ctx context.Context) ([]*models.Project, error)
}

type SettlementStore interface {
	// CreateSettlement persists a new settlement with Version 1.
	// Returns ErrDuplicate when the project already has a settlement that is
	// not in a terminal state.
	CreateSettlement(ctx context.Context, settlement *models.Settlement) error

	// GetSettlement returns the settlement with its receipts, or ErrNotFound.
	GetSettlement(ctx context.Context, settlementID string) (*models.Settlement, error)

	// CurrentSettlement returns the most recent settlement of a project, or
	// ErrNotFound if it has none.
	CurrentSettlement(ctx context.Context, projectID string) (*models.Settlement, error)

	// ListSettlements returns every settlement of a project, newest first.
	ListSettlements(ctx context.Context, projectID string) ([]*models.Settlement, error)

	// UpdateSettlement writes the mutable fields of settlement if its
	// Version still matches the stored one, then increments Version.
	// Returns ErrConflict on a version mismatch. A stored distribution is
	// never overwritten.
	UpdateSettlement(ctx context.Context, settlement *models.Settlement) error

	// AppendTransferReceipt records one transfer attempt. Returns
	// ErrDuplicate if the (line, attempt) pair was already recorded.
	AppendTransferReceipt(ctx context.Context, settlementID string, receipt models.TransferReceipt) error

	// AppendAuditReceipt records a reference to an emitted audit record.
	AppendAuditReceipt(ctx context.Context, settlementID string, receipt models.AuditReceipt) error
}

type UserStore interface {
	// CreateUser returns ErrDuplicate if the email is taken.
	CreateUser(ctx context.Context, user *models.User) error

	// GetUserByEmail and GetUserByID return nil, nil when no user matches.
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}
