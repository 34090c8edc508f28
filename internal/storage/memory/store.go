package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	interfaces "github.com/sheikh-saqib/token-settlement-ledger/internal/interfaces"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/models"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/storage"
	"github.com/shopspring/decimal"
)

// MemoryLedgerStore is an in-memory implementation of interfaces.LedgerStore.
// All state sits behind one mutex, so every Post is atomic.
type MemoryLedgerStore struct {
	mu           sync.Mutex
	accounts     map[string]models.Account
	supply       decimal.Decimal
	issued       bool
	entries      []models.LedgerEntry
	transactions map[string]models.Transaction // keyed by idempotency key
}

// NewMemoryLedgerStore creates and returns a new MemoryLedgerStore instance
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		accounts:     make(map[string]models.Account),
		supply:       decimal.Zero,
		entries:      make([]models.LedgerEntry, 0),
		transactions: make(map[string]models.Transaction),
	}
}

func (m *MemoryLedgerStore) CreateAccount(ctx context.Context, account models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[account.ID]; exists {
		return fmt.Errorf("%s: %w", account.ID, storage.ErrAccountExists)
	}
	account.Balance = decimal.Zero
	m.accounts[account.ID] = account
	return nil
}

func (m *MemoryLedgerStore) GetAccount(ctx context.Context, accountId string) (models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, exists := m.accounts[accountId]
	if !exists {
		return models.Account{}, fmt.Errorf("%s: %w", accountId, storage.ErrAccountNotFound)
	}
	return account, nil
}

func (m *MemoryLedgerStore) ListAccounts(ctx context.Context) ([]models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	accounts := make([]models.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

// Post applies the posting's entries, transaction record and account closure
// in one step. Nothing is written when any check fails.
func (m *MemoryLedgerStore) Post(ctx context.Context, posting models.Posting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := make(map[string]decimal.Decimal)
	for _, id := range storage.Accounts(posting) {
		if account, ok := m.accounts[id]; ok {
			current[id] = account.Balance
		}
	}

	next, supply, err := storage.Plan(current, m.supply, posting)
	if err != nil {
		return err
	}
	if err := storage.CheckIssue(m.issued, posting); err != nil {
		return err
	}
	tx := posting.Transaction
	if tx != nil && tx.IdempotencyKey != "" {
		if held, ok := m.transactions[tx.IdempotencyKey]; ok && held.ID != tx.ID {
			return fmt.Errorf("%s: %w", tx.IdempotencyKey, storage.ErrDuplicateKey)
		}
	}

	for id, balance := range next {
		account := m.accounts[id]
		account.Balance = balance
		m.accounts[id] = account
	}
	if posting.CloseAccount != "" {
		delete(m.accounts, posting.CloseAccount)
	}
	m.supply = supply
	m.issued = m.issued || storage.Issues(posting)
	m.entries = append(m.entries, posting.Entries...)
	if tx != nil && tx.IdempotencyKey != "" {
		m.transactions[tx.IdempotencyKey] = *tx
	}
	return nil
}

func (m *MemoryLedgerStore) TotalSupply(ctx context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.supply, nil
}

func (m *MemoryLedgerStore) Issued(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issued, nil
}

func (m *MemoryLedgerStore) GetTransaction(ctx context.Context, idempotencyKey string) (models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, exists := m.transactions[idempotencyKey]
	if !exists {
		return models.Transaction{}, storage.ErrTransactionNotFound
	}
	return tx, nil
}

// GetLedgerEntries returns a copy of all ledger entries stored in memory.
func (m *MemoryLedgerStore) GetLedgerEntries(ctx context.Context) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]models.LedgerEntry, len(m.entries))
	copy(copied, m.entries)
	return copied, nil
}

func (m *MemoryLedgerStore) GetEntriesByAccount(ctx context.Context, accountId string) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.LedgerEntry
	for _, e := range m.entries {
		if e.AccountID == accountId {
			result = append(result, e)
		}
	}
	return result, nil
}

// Compile-time check: ensure MemoryLedgerStore implements LedgerStore interface
var _ interfaces.LedgerStore = (*MemoryLedgerStore)(nil)
