package ledger

import (
	"context"
	"errors"

	apperrors "github.com/sheikh-saqib/token-settlement-ledger/internal/errors"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/models"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/storage"
	"github.com/shopspring/decimal"
)

// Movement is a debit of From paired with an equal credit of To.
type Movement struct {
	TransactionID string
	From          string
	To            string
	Amount        decimal.Decimal
	Memo          string
	Refund        bool // journal as refund entries
}

// Inverse returns the movement that exactly undoes m.
func (m Movement) Inverse() Movement {
	return Movement{
		TransactionID: m.TransactionID,
		From:          m.To,
		To:            m.From,
		Amount:        m.Amount,
		Memo:          m.Memo,
		Refund:        true,
	}
}

// Tx gives exclusive access to a fixed set of accounts for the duration of a
// WithAccounts callback.
type Tx struct {
	ctx    context.Context
	ledger *Ledger
	held   map[string]struct{}
}

// WithAccounts locks accounts, runs fn and releases the locks. No other ledger
// operation touching those accounts can run, or observe balances, meanwhile.
func (l *Ledger) WithAccounts(ctx context.Context, accounts []string, fn func(tx *Tx) error) error {
	unlock := l.registry.Lock(accounts...)
	defer unlock()

	held := make(map[string]struct{}, len(accounts))
	for _, a := range accounts {
		held[a] = struct{}{}
	}
	return fn(&Tx{ctx: ctx, ledger: l, held: held})
}

func (tx *Tx) requireHeld(account string) error {
	if _, ok := tx.held[account]; !ok {
		return apperrors.WithMetadata(apperrors.CodeInternal,
			"account is not locked by this transaction", map[string]string{"account": account})
	}
	return nil
}

// Registered reports whether account holds a registration record.
func (tx *Tx) Registered(account string) (bool, error) {
	if err := tx.requireHeld(account); err != nil {
		return false, err
	}
	_, ok, err := tx.ledger.registry.Account(tx.ctx, account)
	return ok, err
}

// Balance returns the balance of a locked account, zero if unregistered.
func (tx *Tx) Balance(account string) (decimal.Decimal, error) {
	if err := tx.requireHeld(account); err != nil {
		return decimal.Zero, err
	}
	a, ok, err := tx.ledger.registry.Account(tx.ctx, account)
	if err != nil || !ok {
		return decimal.Zero, err
	}
	return a.Balance, nil
}

// CheckTransfer runs every transfer precondition against current state.
func (tx *Tx) CheckTransfer(sender, receiver string, amount decimal.Decimal) error {
	if err := ValidateTransfer(sender, receiver, amount); err != nil {
		return err
	}
	ok, err := tx.Registered(sender)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.WithMetadata(apperrors.CodeSenderNotRegistered,
			"sender account is not registered", map[string]string{"account": sender})
	}
	ok, err = tx.Registered(receiver)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.WithMetadata(apperrors.CodeReceiverNotRegistered,
			"receiver account is not registered", map[string]string{"account": receiver})
	}

	balance, err := tx.Balance(sender)
	if err != nil {
		return err
	}
	if balance.LessThan(amount) {
		return apperrors.WithMetadata(apperrors.CodeInsufficientBalance,
			"the account doesn't have enough balance", map[string]string{
				"account": sender,
				"balance": models.FormatAmount(balance),
				"amount":  models.FormatAmount(amount),
			})
	}
	return nil
}

// Move applies m as one atomic posting, together with record when given.
// A zero amount posts only the record.
func (tx *Tx) Move(m Movement, record *models.Transaction) error {
	if err := tx.requireHeld(m.From); err != nil {
		return err
	}
	if err := tx.requireHeld(m.To); err != nil {
		return err
	}
	if !models.ValidAmount(m.Amount) {
		return apperrors.New(apperrors.CodeInvalidAmount, "amount must be a non-negative integer")
	}

	posting := models.Posting{Transaction: record}
	if m.Amount.IsPositive() {
		if m.From == m.To {
			return apperrors.New(apperrors.CodeSelfTransfer, "sender and receiver should be different")
		}
		debitKind, creditKind := models.EntryDebit, models.EntryCredit
		suffix := ""
		if m.Refund {
			debitKind, creditKind = models.EntryRefundDebit, models.EntryRefundCredit
			suffix = "-refund"
		}
		now := tx.ledger.registry.Now()
		posting.Entries = []models.LedgerEntry{
			{
				ID:            m.TransactionID + suffix + "-debit",
				TransactionID: m.TransactionID,
				AccountID:     m.From,
				Kind:          debitKind,
				Amount:        m.Amount.Neg(),
				Memo:          m.Memo,
				CreatedAt:     now,
			},
			{
				ID:            m.TransactionID + suffix + "-credit",
				TransactionID: m.TransactionID,
				AccountID:     m.To,
				Kind:          creditKind,
				Amount:        m.Amount,
				Memo:          m.Memo,
				CreatedAt:     now,
			},
		}
	}
	if len(posting.Entries) == 0 && posting.Transaction == nil {
		return nil
	}
	return tx.ledger.registry.Post(tx.ctx, posting)
}

// Lookup finds a committed transaction by idempotency key.
func (tx *Tx) Lookup(idempotencyKey string) (models.Transaction, bool, error) {
	t, err := tx.ledger.registry.Store().GetTransaction(tx.ctx, idempotencyKey)
	if errors.Is(err, storage.ErrTransactionNotFound) {
		return models.Transaction{}, false, nil
	}
	if err != nil {
		return models.Transaction{}, false, apperrors.Wrap(apperrors.CodeInternal, "load transaction", err)
	}
	return t, true, nil
}

// Replay finds the committed transaction stored under idempotencyKey and
// checks that it was made by the same request. A key reused for a different
// kind, pair of accounts or amount is an IDEMPOTENCY_CONFLICT, and so is a
// key whose settlement never completed.
func (tx *Tx) Replay(idempotencyKey string, kind models.TransactionKind, from, to string, amount decimal.Decimal) (models.Transaction, bool, error) {
	t, found, err := tx.Lookup(idempotencyKey)
	if err != nil || !found {
		return models.Transaction{}, false, err
	}

	meta := map[string]string{"idempotency_key": idempotencyKey, "transaction_id": t.ID}
	if t.Kind != kind || t.FromAccount != from || t.ToAccount != to || !t.Amount.Equal(amount) {
		return models.Transaction{}, false, apperrors.WithMetadata(apperrors.CodeIdempotencyConflict,
			"idempotency key was used for a different request", meta)
	}
	if t.Kind == models.KindTransferCall && t.Outcome == "" {
		return models.Transaction{}, false, apperrors.WithMetadata(apperrors.CodeIdempotencyConflict,
			"settlement for this idempotency key did not complete", meta)
	}
	return t, true, nil
}
