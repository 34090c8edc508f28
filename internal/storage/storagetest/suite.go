// Package storagetest is a conformance suite every LedgerStore must pass.
package storagetest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	interfaces "github.com/sheikh-saqib/token-settlement-ledger/internal/interfaces"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/models"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a fresh store returned by newStore for every subtest.
func Run(t *testing.T, newStore func(t *testing.T) interfaces.LedgerStore) {
	t.Run("CreateAccount", func(t *testing.T) { testCreateAccount(t, newStore(t)) })
	t.Run("PostTransfer", func(t *testing.T) { testPostTransfer(t, newStore(t)) })
	t.Run("PostIsAtomic", func(t *testing.T) { testPostIsAtomic(t, newStore(t)) })
	t.Run("CloseAccount", func(t *testing.T) { testCloseAccount(t, newStore(t)) })
	t.Run("Transactions", func(t *testing.T) { testTransactions(t, newStore(t)) })
	t.Run("TransactionUpdate", func(t *testing.T) { testTransactionUpdate(t, newStore(t)) })
	t.Run("DuplicateKey", func(t *testing.T) { testDuplicateKey(t, newStore(t)) })
	t.Run("IssueOnce", func(t *testing.T) { testIssueOnce(t, newStore(t)) })
	t.Run("LargeAmounts", func(t *testing.T) { testLargeAmounts(t, newStore(t)) })
}

func newAccount(id string) models.Account {
	return models.Account{
		ID:             id,
		StorageDeposit: decimal.NewFromInt(1250),
		RegisteredAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
}

func newEntry(txID, account string, kind models.EntryKind, amount int64) models.LedgerEntry {
	return models.LedgerEntry{
		ID:            uuid.NewString(),
		TransactionID: txID,
		AccountID:     account,
		Kind:          kind,
		Amount:        decimal.NewFromInt(amount),
		CreatedAt:     time.Now().UTC().Truncate(time.Microsecond),
	}
}

func issue(t *testing.T, s interfaces.LedgerStore, account string, amount int64) {
	t.Helper()
	require.NoError(t, s.Post(context.Background(), models.Posting{
		Entries: []models.LedgerEntry{newEntry(uuid.NewString(), account, models.EntryIssue, amount)},
	}))
}

func requireBalance(t *testing.T, s interfaces.LedgerStore, account string, want int64) {
	t.Helper()
	a, err := s.GetAccount(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, decimal.NewFromInt(want).String(), a.Balance.String(), account)
}

func requireSupply(t *testing.T, s interfaces.LedgerStore, want int64) {
	t.Helper()
	supply, err := s.TotalSupply(context.Background())
	require.NoError(t, err)
	assert.Equal(t, decimal.NewFromInt(want).String(), supply.String())
}

func testCreateAccount(t *testing.T, s interfaces.LedgerStore) {
	ctx := context.Background()

	require.NoError(t, s.CreateAccount(ctx, newAccount("alice")))
	err := s.CreateAccount(ctx, newAccount("alice"))
	assert.ErrorIs(t, err, storage.ErrAccountExists)

	a, err := s.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, a.Balance.IsZero())
	assert.Equal(t, "1250", a.StorageDeposit.String())

	_, err = s.GetAccount(ctx, "ghost")
	assert.ErrorIs(t, err, storage.ErrAccountNotFound)

	accounts, err := s.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "alice", accounts[0].ID)
}

func testPostTransfer(t *testing.T, s interfaces.LedgerStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, newAccount("alice")))
	require.NoError(t, s.CreateAccount(ctx, newAccount("bob")))
	issue(t, s, "alice", 1000)
	requireSupply(t, s, 1000)

	txID := uuid.NewString()
	require.NoError(t, s.Post(ctx, models.Posting{Entries: []models.LedgerEntry{
		newEntry(txID, "alice", models.EntryDebit, -100),
		newEntry(txID, "bob", models.EntryCredit, 100),
	}}))

	requireBalance(t, s, "alice", 900)
	requireBalance(t, s, "bob", 100)
	requireSupply(t, s, 1000)

	entries, err := s.GetEntriesByAccount(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryCredit, entries[0].Kind)
	assert.Equal(t, txID, entries[0].TransactionID)

	all, err := s.GetLedgerEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func testPostIsAtomic(t *testing.T, s interfaces.LedgerStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, newAccount("alice")))
	require.NoError(t, s.CreateAccount(ctx, newAccount("bob")))
	issue(t, s, "alice", 50)

	txID := uuid.NewString()
	err := s.Post(ctx, models.Posting{Entries: []models.LedgerEntry{
		newEntry(txID, "bob", models.EntryCredit, 100),
		newEntry(txID, "alice", models.EntryDebit, -100),
	}})
	assert.ErrorIs(t, err, storage.ErrNegativeBalance)

	err = s.Post(ctx, models.Posting{Entries: []models.LedgerEntry{
		newEntry(txID, "alice", models.EntryDebit, -10),
		newEntry(txID, "ghost", models.EntryCredit, 10),
	}})
	assert.ErrorIs(t, err, storage.ErrAccountNotFound)

	requireBalance(t, s, "alice", 50)
	requireBalance(t, s, "bob", 0)
	requireSupply(t, s, 50)
}

func testCloseAccount(t *testing.T, s interfaces.LedgerStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, newAccount("alice")))
	issue(t, s, "alice", 70)

	err := s.Post(ctx, models.Posting{CloseAccount: "alice"})
	assert.ErrorIs(t, err, storage.ErrNonZeroBalance)
	requireBalance(t, s, "alice", 70)

	require.NoError(t, s.Post(ctx, models.Posting{
		Entries:      []models.LedgerEntry{newEntry(uuid.NewString(), "alice", models.EntryBurn, -70)},
		CloseAccount: "alice",
	}))
	_, err = s.GetAccount(ctx, "alice")
	assert.ErrorIs(t, err, storage.ErrAccountNotFound)
	requireSupply(t, s, 0)
}

func testTransactions(t *testing.T, s interfaces.LedgerStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, newAccount("alice")))
	require.NoError(t, s.CreateAccount(ctx, newAccount("bob")))
	issue(t, s, "alice", 10)

	_, err := s.GetTransaction(ctx, "key-1")
	assert.ErrorIs(t, err, storage.ErrTransactionNotFound)

	tx := models.Transaction{
		ID:             uuid.NewString(),
		IdempotencyKey: "key-1",
		Kind:           models.KindTransferCall,
		FromAccount:    "alice",
		ToAccount:      "bob",
		Amount:         decimal.NewFromInt(10),
		Unused:         decimal.NewFromInt(4),
		Outcome:        "accepted",
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, s.Post(ctx, models.Posting{
		Transaction: &tx,
		Entries: []models.LedgerEntry{
			newEntry(tx.ID, "alice", models.EntryDebit, -6),
			newEntry(tx.ID, "bob", models.EntryCredit, 6),
		},
	}))

	got, err := s.GetTransaction(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)
	assert.Equal(t, models.KindTransferCall, got.Kind)
	assert.Equal(t, "4", got.Unused.String())
	assert.Equal(t, "accepted", got.Outcome)
}

func newTransaction(key, from, to string, amount int64) models.Transaction {
	return models.Transaction{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		Kind:           models.KindTransferCall,
		FromAccount:    from,
		ToAccount:      to,
		Amount:         decimal.NewFromInt(amount),
		Unused:         decimal.Zero,
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
	}
}

func testTransactionUpdate(t *testing.T, s interfaces.LedgerStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, newAccount("alice")))
	require.NoError(t, s.CreateAccount(ctx, newAccount("bob")))
	issue(t, s, "alice", 10)

	tx := newTransaction("key-1", "alice", "bob", 10)
	require.NoError(t, s.Post(ctx, models.Posting{
		Transaction: &tx,
		Entries: []models.LedgerEntry{
			newEntry(tx.ID, "alice", models.EntryDebit, -10),
			newEntry(tx.ID, "bob", models.EntryCredit, 10),
		},
	}))

	settled := tx
	settled.Unused = decimal.NewFromInt(3)
	settled.Outcome = "accepted"
	require.NoError(t, s.Post(ctx, models.Posting{
		Transaction: &settled,
		Entries: []models.LedgerEntry{
			newEntry(tx.ID, "bob", models.EntryRefundDebit, -3),
			newEntry(tx.ID, "alice", models.EntryRefundCredit, 3),
		},
	}))

	got, err := s.GetTransaction(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)
	assert.Equal(t, "3", got.Unused.String())
	assert.Equal(t, "accepted", got.Outcome)
	requireBalance(t, s, "alice", 3)
	requireBalance(t, s, "bob", 7)
}

func testDuplicateKey(t *testing.T, s interfaces.LedgerStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, newAccount("alice")))
	require.NoError(t, s.CreateAccount(ctx, newAccount("bob")))
	issue(t, s, "alice", 10)

	first := newTransaction("key-1", "alice", "bob", 1)
	require.NoError(t, s.Post(ctx, models.Posting{Transaction: &first}))

	second := newTransaction("key-1", "alice", "bob", 4)
	err := s.Post(ctx, models.Posting{
		Transaction: &second,
		Entries: []models.LedgerEntry{
			newEntry(second.ID, "alice", models.EntryDebit, -4),
			newEntry(second.ID, "bob", models.EntryCredit, 4),
		},
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	requireBalance(t, s, "alice", 10)
	requireBalance(t, s, "bob", 0)
	got, err := s.GetTransaction(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func testIssueOnce(t *testing.T, s interfaces.LedgerStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, newAccount("alice")))

	issued, err := s.Issued(ctx)
	require.NoError(t, err)
	assert.False(t, issued)

	issue(t, s, "alice", 70)
	require.NoError(t, s.Post(ctx, models.Posting{
		Entries:      []models.LedgerEntry{newEntry(uuid.NewString(), "alice", models.EntryBurn, -70)},
		CloseAccount: "alice",
	}))
	requireSupply(t, s, 0)

	issued, err = s.Issued(ctx)
	require.NoError(t, err)
	assert.True(t, issued, "burning the whole supply does not reset issuance")

	require.NoError(t, s.CreateAccount(ctx, newAccount("alice")))
	err = s.Post(ctx, models.Posting{
		Entries: []models.LedgerEntry{newEntry(uuid.NewString(), "alice", models.EntryIssue, 70)},
	})
	assert.ErrorIs(t, err, storage.ErrAlreadyIssued)
	requireSupply(t, s, 0)
}

func testLargeAmounts(t *testing.T, s interfaces.LedgerStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, newAccount("alice")))
	require.NoError(t, s.CreateAccount(ctx, newAccount("bob")))

	huge, err := models.ParseAmount(strings.Repeat("9", 100))
	require.NoError(t, err)

	entry := newEntry(uuid.NewString(), "alice", models.EntryIssue, 0)
	entry.Amount = huge
	require.NoError(t, s.Post(ctx, models.Posting{Entries: []models.LedgerEntry{entry}}))

	txID := uuid.NewString()
	debit := newEntry(txID, "alice", models.EntryDebit, 0)
	debit.Amount = huge.Neg()
	credit := newEntry(txID, "bob", models.EntryCredit, 0)
	credit.Amount = huge
	require.NoError(t, s.Post(ctx, models.Posting{Entries: []models.LedgerEntry{debit, credit}}))

	bob, err := s.GetAccount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.FormatAmount(huge), models.FormatAmount(bob.Balance))

	supply, err := s.TotalSupply(ctx)
	require.NoError(t, err)
	assert.True(t, supply.Equal(huge))
}
