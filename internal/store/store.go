// Package store defines the persistence interface for the odds desk.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/fivebear/oddsdesk/internal/model"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Settlement journal ---

	// InsertLedgerEntry appends an immutable settlement record.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// ListLedgerEntries returns every settlement record, oldest first.
	ListLedgerEntries(ctx context.Context) ([]model.LedgerEntry, error)

	// ListLedgerEntriesByNumber returns the records for one number.
	ListLedgerEntriesByNumber(ctx context.Context, number string) ([]model.LedgerEntry, error)

	// --- Account snapshots ---

	// UpsertAccount stores the latest snapshot reported for an account.
	UpsertAccount(ctx context.Context, acc *model.AccountSnapshot) error

	// GetAccount retrieves one snapshot by account ID.
	GetAccount(ctx context.Context, id string) (*model.AccountSnapshot, error)

	// ListAccounts returns every stored snapshot ordered by ID.
	ListAccounts(ctx context.Context) ([]model.AccountSnapshot, error)
}
