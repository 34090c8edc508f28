package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/lib/pq"
	interfaces "github.com/sheikh-saqib/token-settlement-ledger/internal/interfaces"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/models"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/storage"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

type PostgresLedgerStore struct {
	db *sql.DB
}

func NewPostgresLedgerStore(db *sql.DB) *PostgresLedgerStore {
	return &PostgresLedgerStore{
		db: db,
	}
}

// Open connects to postgres and applies the schema.
func Open(ctx context.Context, dsn string) (*PostgresLedgerStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	store := NewPostgresLedgerStore(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Migrate creates the tables if they do not exist.
func (p *PostgresLedgerStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *PostgresLedgerStore) Close() error {
	return p.db.Close()
}

func (p *PostgresLedgerStore) CreateAccount(ctx context.Context, account models.Account) error {
	const query = `INSERT INTO accounts (id, balance, storage_deposit, registered_at)
	VALUES ($1, 0, $2, $3)`

	_, err := p.db.ExecContext(ctx, query, account.ID, account.StorageDeposit, account.RegisteredAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", account.ID, storage.ErrAccountExists)
	}
	return err
}

func (p *PostgresLedgerStore) GetAccount(ctx context.Context, accountId string) (models.Account, error) {
	const query = `SELECT id, balance, storage_deposit, registered_at FROM accounts WHERE id = $1`

	var account models.Account
	err := p.db.QueryRowContext(ctx, query, accountId).
		Scan(&account.ID, &account.Balance, &account.StorageDeposit, &account.RegisteredAt)
	if err == sql.ErrNoRows {
		return models.Account{}, fmt.Errorf("%s: %w", accountId, storage.ErrAccountNotFound)
	}
	if err != nil {
		return models.Account{}, err
	}
	return account, nil
}

func (p *PostgresLedgerStore) ListAccounts(ctx context.Context) ([]models.Account, error) {
	const query = `SELECT id, balance, storage_deposit, registered_at FROM accounts ORDER BY id`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.Balance, &a.StorageDeposit, &a.RegisteredAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// Post applies a posting inside one database transaction. Touched account rows
// and the supply row are locked before the new balances are planned.
func (p *PostgresLedgerStore) Post(ctx context.Context, posting models.Posting) (err error) {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			dbTx.Rollback()
		}
	}()

	ids := storage.Accounts(posting)
	current := make(map[string]decimal.Decimal, len(ids))
	rows, err := dbTx.QueryContext(ctx,
		`SELECT id, balance FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, pq.Array(ids))
	if err != nil {
		return err
	}
	for rows.Next() {
		var id string
		var balance decimal.Decimal
		if err = rows.Scan(&id, &balance); err != nil {
			rows.Close()
			return err
		}
		current[id] = balance
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return err
	}

	var supply decimal.Decimal
	var issued bool
	if err = dbTx.QueryRowContext(ctx,
		`SELECT total, issued FROM ledger_supply WHERE id = 1 FOR UPDATE`).Scan(&supply, &issued); err != nil {
		return err
	}

	next, newSupply, err := storage.Plan(current, supply, posting)
	if err != nil {
		return err
	}
	if err = storage.CheckIssue(issued, posting); err != nil {
		return err
	}

	for id, balance := range next {
		if _, err = dbTx.ExecContext(ctx, `UPDATE accounts SET balance = $2 WHERE id = $1`, id, balance); err != nil {
			return err
		}
	}
	if posting.CloseAccount != "" {
		if _, err = dbTx.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, posting.CloseAccount); err != nil {
			return err
		}
	}
	if _, err = dbTx.ExecContext(ctx, `UPDATE ledger_supply SET total = $1, issued = issued OR $2 WHERE id = 1`,
		newSupply, storage.Issues(posting)); err != nil {
		return err
	}
	for _, e := range posting.Entries {
		if err = saveEntry(ctx, dbTx, e); err != nil {
			return err
		}
	}
	if posting.Transaction != nil {
		if err = saveTransaction(ctx, dbTx, *posting.Transaction); err != nil {
			return err
		}
	}
	return dbTx.Commit()
}

func saveEntry(ctx context.Context, dbTx *sql.Tx, e models.LedgerEntry) error {
	const query = `INSERT INTO ledger_entries (id, transaction_id, account_id, kind, amount, memo, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := dbTx.ExecContext(ctx, query, e.ID, e.TransactionID, e.AccountID, string(e.Kind), e.Amount, e.Memo, e.CreatedAt)
	return err
}

// saveTransaction inserts tx, or updates the settlement fields of the record
// already stored under tx.ID.
func saveTransaction(ctx context.Context, dbTx *sql.Tx, tx models.Transaction) error {
	const query = `INSERT INTO transactions (id, idempotency_key, kind, from_account, to_account, amount, unused, outcome, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id) DO UPDATE SET unused = EXCLUDED.unused, outcome = EXCLUDED.outcome`

	key := sql.NullString{String: tx.IdempotencyKey, Valid: tx.IdempotencyKey != ""}
	_, err := dbTx.ExecContext(ctx, query, tx.ID, key, string(tx.Kind), tx.FromAccount, tx.ToAccount,
		tx.Amount, tx.Unused, tx.Outcome, tx.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", tx.IdempotencyKey, storage.ErrDuplicateKey)
	}
	return err
}

func (p *PostgresLedgerStore) TotalSupply(ctx context.Context) (decimal.Decimal, error) {
	var supply decimal.Decimal
	err := p.db.QueryRowContext(ctx, `SELECT total FROM ledger_supply WHERE id = 1`).Scan(&supply)
	return supply, err
}

func (p *PostgresLedgerStore) Issued(ctx context.Context) (bool, error) {
	var issued bool
	err := p.db.QueryRowContext(ctx, `SELECT issued FROM ledger_supply WHERE id = 1`).Scan(&issued)
	return issued, err
}

func (p *PostgresLedgerStore) GetTransaction(ctx context.Context, idempotencyKey string) (models.Transaction, error) {
	const query = `SELECT id, idempotency_key, kind, from_account, to_account, amount, unused, outcome, created_at
	FROM transactions WHERE idempotency_key = $1`

	var tx models.Transaction
	var kind string
	err := p.db.QueryRowContext(ctx, query, idempotencyKey).Scan(&tx.ID, &tx.IdempotencyKey, &kind,
		&tx.FromAccount, &tx.ToAccount, &tx.Amount, &tx.Unused, &tx.Outcome, &tx.CreatedAt)
	if err == sql.ErrNoRows {
		return models.Transaction{}, storage.ErrTransactionNotFound
	}
	if err != nil {
		return models.Transaction{}, err
	}
	tx.Kind = models.TransactionKind(kind)
	return tx, nil
}

func (p *PostgresLedgerStore) GetLedgerEntries(ctx context.Context) ([]models.LedgerEntry, error) {
	const query = `SELECT id, transaction_id, account_id, kind, amount, memo, created_at
	FROM ledger_entries ORDER BY seq`

	return p.queryEntries(ctx, query)
}

func (p *PostgresLedgerStore) GetEntriesByAccount(ctx context.Context, accountId string) ([]models.LedgerEntry, error) {
	const query = `SELECT id, transaction_id, account_id, kind, amount, memo, created_at
	FROM ledger_entries WHERE account_id = $1 ORDER BY seq`

	return p.queryEntries(ctx, query, accountId)
}

func (p *PostgresLedgerStore) queryEntries(ctx context.Context, query string, args ...any) ([]models.LedgerEntry, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var entry models.LedgerEntry
		var kind string
		if err := rows.Scan(&entry.ID, &entry.TransactionID, &entry.AccountID, &kind,
			&entry.Amount, &entry.Memo, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Kind = models.EntryKind(kind)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

var _ interfaces.LedgerStore = (*PostgresLedgerStore)(nil)
