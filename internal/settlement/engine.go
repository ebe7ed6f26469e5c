// Package settlement runs the revenue settlement workflow of a project:
// proof submission, verification, waterfall computation and distribution.
//
// Every workflow on a project runs under the project lock, and every state
// is persisted before the next external call is made, so an interrupted
// workflow can be resumed by calling the same operation again.
package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/travisim/farmify/internal/auditlog"
	"github.com/travisim/farmify/internal/config"
	"github.com/travisim/farmify/internal/docstore"
	"github.com/travisim/farmify/internal/errors"
	"github.com/travisim/farmify/internal/lock"
	"github.com/travisim/farmify/internal/models"
	"github.com/travisim/farmify/internal/storage"
	"github.com/travisim/farmify/internal/transfer"
)

// Deps are the collaborators of the engine.
type Deps struct {
	Store     storage.Store
	Documents docstore.Store
	Audit     auditlog.Ledger
	Transfers transfer.Ledger
	Locker    lock.Locker

	// Metrics and Logger are optional.
	Metrics *Metrics
	Logger  *slog.Logger
}

// Options configure the engine.
type Options struct {
	// PlatformIdentity receives the platform fee and signs distribution
	// audit records.
	PlatformIdentity string
	FeeMode          models.FeeMode

	// Defaults applied when a project is registered without its own terms.
	DefaultPlatformFee   decimal.Decimal
	DefaultOperatorShare decimal.Decimal

	DocumentStoreTimeout time.Duration
	AuditLedgerTimeout   time.Duration
	TransferTimeout      time.Duration

	// Parallelism bounds the number of concurrent transfers. Values below 2
	// run the payout lines one after the other.
	Parallelism int

	Now func() time.Time
}

// OptionsFromConfig builds Options from the service configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	fee, share, err := cfg.Platform.DefaultTerms()
	if err != nil {
		return Options{}, err
	}
	return Options{
		PlatformIdentity:     cfg.Platform.Identity,
		FeeMode:              models.FeeMode(cfg.Platform.FeeMode),
		DefaultPlatformFee:   fee,
		DefaultOperatorShare: share,
		DocumentStoreTimeout: cfg.Timeouts.DocumentStore(),
		AuditLedgerTimeout:   cfg.Timeouts.AuditLedger(),
		TransferTimeout:      cfg.Timeouts.Transfer(),
		Parallelism:          cfg.Distribution.Parallelism,
	}, nil
}

// Engine executes settlement workflows.
type Engine struct {
	store     storage.Store
	documents docstore.Store
	audit     auditlog.Ledger
	transfers transfer.Ledger
	locker    lock.Locker
	metrics   *Metrics
	logger    *slog.Logger
	opts      Options
}

// New validates deps and opts and returns an Engine.
func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Store == nil || deps.Documents == nil || deps.Audit == nil || deps.Transfers == nil || deps.Locker == nil {
		return nil, errors.Wrap(errors.ErrConfiguration, "settlement engine requires store, document store, audit ledger, transfer ledger and locker")
	}
	if opts.PlatformIdentity == "" {
		return nil, errors.Wrap(errors.ErrConfiguration, "platform identity is required")
	}
	if opts.FeeMode == "" {
		opts.FeeMode = models.FeeModeRetained
	}
	if !opts.FeeMode.Valid() {
		return nil, errors.Wrapf(errors.ErrConfiguration, "unknown platform fee mode %q", opts.FeeMode)
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Engine{
		store:     deps.Store,
		documents: deps.Documents,
		audit:     deps.Audit,
		transfers: deps.Transfers,
		locker:    deps.Locker,
		metrics:   metrics,
		logger:    logger,
		opts:      opts,
	}, nil
}

// withProject runs fn while holding the lock of projectID.
func (e *Engine) withProject(ctx context.Context, projectID string, fn func(project *models.Project) error) error {
	if projectID == "" {
		return errors.Wrap(errors.ErrInvalidInput, "project id is required")
	}
	release, err := e.locker.Acquire(ctx, "project:"+projectID)
	if err != nil {
		return err
	}
	defer release()

	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	return fn(project)
}

// current returns the newest settlement of a project or ErrNotFound.
func (e *Engine) current(ctx context.Context, projectID string) (*models.Settlement, error) {
	return e.store.CurrentSettlement(ctx, projectID)
}

// advance moves s to next and persists it.
func (e *Engine) advance(ctx context.Context, s *models.Settlement, next models.State) error {
	if !s.State.CanAdvance(next) {
		return errors.Wrapf(errors.ErrInvalidState, "settlement %s cannot move from %s to %s", s.ID, s.State, next)
	}
	prev := s.State
	s.State = next
	if err := e.store.UpdateSettlement(ctx, s); err != nil {
		s.State = prev
		return err
	}
	e.logger.Info("Settlement state changed",
		"settlement_id", s.ID,
		"project_id", s.ProjectID,
		"from", prev,
		"to", next,
	)
	return nil
}

func (e *Engine) now() time.Time {
	return e.opts.Now()
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// external classifies an error from a collaborator call. A deadline hit
// while waiting on a collaborator is transient.
func external(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && errors.Root(err) == nil {
		return errors.Wrap(errors.ErrTransient, err.Error())
	}
	return errors.Classify(err, errors.ErrTransient)
}

// GetSettlement returns the newest settlement of a project.
func (e *Engine) GetSettlement(ctx context.Context, projectID string) (*models.Settlement, error) {
	if projectID == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "project id is required")
	}
	return e.current(ctx, projectID)
}

// ListSettlements returns every settlement of a project, newest first.
func (e *Engine) ListSettlements(ctx context.Context, projectID string) ([]*models.Settlement, error) {
	if _, err := e.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.store.ListSettlements(ctx, projectID)
}
