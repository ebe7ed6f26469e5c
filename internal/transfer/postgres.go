package transfer

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/travisim/farmify/internal/errors"
	"github.com/travisim/farmify/internal/money"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ledger_accounts (
    identity   TEXT NOT NULL,
    asset      TEXT NOT NULL,
    balance    NUMERIC(38, 6) NOT NULL DEFAULT 0 CHECK (balance >= 0),
    version    BIGINT NOT NULL DEFAULT 1,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (identity, asset)
);

CREATE TABLE IF NOT EXISTS ledger_transfers (
    request_id  TEXT PRIMARY KEY,
    id          UUID NOT NULL UNIQUE,
    source      TEXT NOT NULL,
    destination TEXT NOT NULL,
    asset       TEXT NOT NULL,
    amount      NUMERIC(38, 6) NOT NULL,
    memo        TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id          UUID PRIMARY KEY,
    transfer_id UUID NOT NULL REFERENCES ledger_transfers(id),
    identity    TEXT NOT NULL,
    asset       TEXT NOT NULL,
    type        TEXT NOT NULL CHECK (type IN ('debit', 'credit')),
    amount      NUMERIC(38, 6) NOT NULL,
    balance     NUMERIC(38, 6) NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_identity ON ledger_entries(identity, asset);
`

// uniqueViolation is the postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Postgres is a double-entry Ledger backed by PostgreSQL. An account row per
// (identity, asset) is the trustline.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens the database and applies the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(errors.ErrTransient, "ping database: %v", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply ledger schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// Provision opens a trustline and credits an opening balance. Provisioning
// an existing trustline adds to its balance.
func (p *Postgres) Provision(ctx context.Context, identity string, balance money.Money) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO ledger_accounts (identity, asset, balance) VALUES ($1, $2, $3)
		 ON CONFLICT (identity, asset) DO UPDATE
		 SET balance = ledger_accounts.balance + EXCLUDED.balance,
		     version = ledger_accounts.version + 1,
		     updated_at = now()`,
		identity, balance.Asset, balance.Amount,
	)
	if err != nil {
		return classify(err, "provision account")
	}
	return nil
}

// Balance returns the balance of identity in asset. ErrNotProvisioned when
// no trustline exists.
func (p *Postgres) Balance(ctx context.Context, identity, asset string) (money.Money, error) {
	var balance decimal.Decimal
	err := p.db.QueryRowContext(ctx,
		`SELECT balance FROM ledger_accounts WHERE identity = $1 AND asset = $2`,
		identity, asset,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return money.Money{}, errors.Wrapf(errors.ErrNotProvisioned, "%s holds no %s", identity, asset)
	}
	if err != nil {
		return money.Money{}, classify(err, "get balance")
	}
	return money.Money{Amount: balance, Asset: asset}, nil
}

func (p *Postgres) Transfer(ctx context.Context, req Request) (*Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if r, err := p.existing(ctx, req); r != nil || err != nil {
		return r, err
	}

	receipt, err := p.transfer(ctx, req)
	if err != nil {
		var pqErr *pq.Error
		if stderrors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			// A concurrent submission of the same request id won the race.
			if r, err := p.existing(ctx, req); r != nil || err != nil {
				return r, err
			}
		}
		return nil, errors.Classify(err, errors.ErrTransient)
	}
	return receipt, nil
}

// existing returns the receipt of an already settled request id.
func (p *Postgres) existing(ctx context.Context, req Request) (*Receipt, error) {
	var (
		id          uuid.UUID
		prev        Request
		amount      decimal.Decimal
		completedAt time.Time
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT id, source, destination, asset, amount, created_at
		 FROM ledger_transfers WHERE request_id = $1`,
		req.RequestID,
	).Scan(&id, &prev.Source, &prev.Destination, &prev.Amount.Asset, &amount, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get transfer")
	}
	prev.Amount.Amount = amount
	if !prev.sameAs(req) {
		return nil, errors.Wrapf(errors.ErrDuplicate, "request id %s already used for another transfer", req.RequestID)
	}
	return &Receipt{
		Reference:   "pg-tx://" + id.String(),
		RequestID:   req.RequestID,
		Duplicate:   true,
		CompletedAt: completedAt,
	}, nil
}

func (p *Postgres) transfer(ctx context.Context, req Request) (*Receipt, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err, "begin transaction")
	}
	defer tx.Rollback()

	asset := req.Amount.Asset

	// Lock both accounts in a fixed order so concurrent opposite transfers
	// cannot deadlock.
	first, second := req.Source, req.Destination
	if second < first {
		first, second = second, first
	}
	balances := make(map[string]decimal.Decimal, 2)
	for _, identity := range []string{first, second} {
		var balance decimal.Decimal
		err := tx.QueryRowContext(ctx,
			`SELECT balance FROM ledger_accounts WHERE identity = $1 AND asset = $2 FOR UPDATE`,
			identity, asset,
		).Scan(&balance)
		if err == sql.ErrNoRows {
			if identity == req.Source {
				return nil, errors.Wrapf(errors.ErrNotProvisioned, "source %s holds no %s", identity, asset)
			}
			return nil, errors.Wrapf(errors.ErrNotProvisioned, "destination %s has no trustline for %s", identity, asset)
		}
		if err != nil {
			return nil, classify(err, "lock account")
		}
		balances[identity] = balance
	}

	if balances[req.Source].LessThan(req.Amount.Amount) {
		return nil, errors.Wrapf(errors.ErrInsufficientBalance, "source %s holds %s %s, needs %s",
			req.Source, balances[req.Source], asset, req.Amount)
	}

	now := time.Now().UTC()
	transferID := uuid.New()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_transfers (request_id, id, source, destination, asset, amount, memo, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		req.RequestID, transferID, req.Source, req.Destination, asset, req.Amount.Amount, req.Memo, now,
	); err != nil {
		var pqErr *pq.Error
		if stderrors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, err
		}
		return nil, classify(err, "insert transfer")
	}

	entries := []struct {
		identity string
		typ      string
		balance  decimal.Decimal
	}{
		{req.Source, "debit", balances[req.Source].Sub(req.Amount.Amount)},
		{req.Destination, "credit", balances[req.Destination].Add(req.Amount.Amount)},
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_entries (id, transfer_id, identity, asset, type, amount, balance, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			uuid.New(), transferID, e.identity, asset, e.typ, req.Amount.Amount, e.balance, now,
		); err != nil {
			return nil, classify(err, "insert entry")
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE ledger_accounts SET balance = $1, version = version + 1, updated_at = $2
			 WHERE identity = $3 AND asset = $4`,
			e.balance, now, e.identity, asset,
		); err != nil {
			return nil, classify(err, "update account")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(err, "commit transfer")
	}

	return &Receipt{
		Reference:   "pg-tx://" + transferID.String(),
		RequestID:   req.RequestID,
		CompletedAt: now,
	}, nil
}

func classify(err error, op string) error {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23", "22": // integrity constraint, data exception
			return errors.Wrapf(errors.ErrInvalidInput, "%s: %v", op, err)
		}
	}
	return errors.Wrapf(errors.ErrTransient, "%s: %v", op, err)
}
