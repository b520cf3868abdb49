package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fivebear/oddsdesk/internal/model"
)

// schema creates the tables the desk writes. All monetary values are stored
// as NUMERIC for exact decimal precision.
const schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id          TEXT PRIMARY KEY,
	number      TEXT NOT NULL,
	play_type   SMALLINT NOT NULL,
	direction   TEXT NOT NULL CHECK (direction IN ('in', 'out')),
	amount      NUMERIC NOT NULL CHECK (amount >= 0),
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_entries_number_idx ON ledger_entries (number);

CREATE TABLE IF NOT EXISTS accounts (
	id             TEXT PRIMARY KEY,
	source_id      TEXT NOT NULL,
	role           TEXT NOT NULL,
	status         TEXT NOT NULL,
	balance        NUMERIC NOT NULL,
	assigned       NUMERIC NOT NULL,
	locked         NUMERIC NOT NULL,
	per_number_cap NUMERIC NOT NULL,
	per_bet_cap    NUMERIC NOT NULL,
	min_increment  NUMERIC NOT NULL
);`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the desk tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (id, number, play_type, direction, amount, recorded_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)`,
		e.ID, e.Number, int(e.PlayType), string(e.Direction),
		e.Amount.String(), e.RecordedAt,
	)
	return err
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, number, play_type, direction, amount::TEXT, recorded_at
		 FROM ledger_entries ORDER BY recorded_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) ListLedgerEntriesByNumber(ctx context.Context, number string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, number, play_type, direction, amount::TEXT, recorded_at
		 FROM ledger_entries WHERE number = $1 ORDER BY recorded_at, id`, number)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) UpsertAccount(ctx context.Context, a *model.AccountSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, source_id, role, status, balance, assigned, locked,
		                       per_number_cap, per_bet_cap, min_increment)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET
		     source_id = EXCLUDED.source_id,
		     role = EXCLUDED.role,
		     status = EXCLUDED.status,
		     balance = EXCLUDED.balance,
		     assigned = EXCLUDED.assigned,
		     locked = EXCLUDED.locked,
		     per_number_cap = EXCLUDED.per_number_cap,
		     per_bet_cap = EXCLUDED.per_bet_cap,
		     min_increment = EXCLUDED.min_increment`,
		a.ID, a.SourceID, string(a.Role), string(a.Status),
		a.Balance.String(), a.Assigned.String(), a.Locked.String(),
		a.PerNumberCap.String(), a.PerBetCap.String(), a.MinIncrement.String(),
	)
	return err
}

const accountColumns = `id, source_id, role, status,
	balance::TEXT, assigned::TEXT, locked::TEXT,
	per_number_cap::TEXT, per_bet_cap::TEXT, min_increment::TEXT`

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.AccountSnapshot, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return &a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.AccountSnapshot, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AccountSnapshot
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// pgxRow is satisfied by both pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...any) error
}

func scanAccount(row pgxRow) (model.AccountSnapshot, error) {
	var a model.AccountSnapshot
	var role, status string
	var balance, assigned, locked, perNumber, perBet, minInc string

	if err := row.Scan(&a.ID, &a.SourceID, &role, &status,
		&balance, &assigned, &locked,
		&perNumber, &perBet, &minInc); err != nil {
		return a, err
	}
	a.Role = model.AccountRole(role)
	a.Status = model.AccountStatus(status)
	a.Balance, _ = decimal.NewFromString(balance)
	a.Assigned, _ = decimal.NewFromString(assigned)
	a.Locked, _ = decimal.NewFromString(locked)
	a.PerNumberCap, _ = decimal.NewFromString(perNumber)
	a.PerBetCap, _ = decimal.NewFromString(perBet)
	a.MinIncrement, _ = decimal.NewFromString(minInc)
	return a, nil
}

// pgxRows is the subset of pgx.Rows scanLedgerEntries reads.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var pt int
		var dir, amount string

		if err := rows.Scan(&e.ID, &e.Number, &pt, &dir, &amount, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.PlayType = model.PlayType(pt)
		e.Direction = model.Direction(dir)
		e.Amount, _ = decimal.NewFromString(amount)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
