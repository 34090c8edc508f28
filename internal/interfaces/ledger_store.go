package interfaces

import (
	"context"

	"github.com/sheikh-saqib/token-settlement-ledger/internal/models"
	"github.com/shopspring/decimal"
)

// LedgerStore persists registration records, balances and the journal.
//
// Post stores posting.Transaction when set. A transaction whose ID is already
// stored replaces the stored record, and an idempotency key already held by a
// different transaction fails the whole posting with storage.ErrDuplicateKey.
// Once a posting with an issue entry has committed, Issued reports true and
// any further issue entry fails with storage.ErrAlreadyIssued.
type LedgerStore interface {
	CreateAccount(ctx context.Context, account models.Account) error
	GetAccount(ctx context.Context, accountId string) (models.Account, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	Post(ctx context.Context, posting models.Posting) error
	TotalSupply(ctx context.Context) (decimal.Decimal, error)
	Issued(ctx context.Context) (bool, error)
	GetTransaction(ctx context.Context, idempotencyKey string) (models.Transaction, error)
	GetEntriesByAccount(ctx context.Context, accountId string) ([]models.LedgerEntry, error)
	GetLedgerEntries(ctx context.Context) ([]models.LedgerEntry, error)
}
