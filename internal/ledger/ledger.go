package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
	apperrors "github.com/sheikh-saqib/token-settlement-ledger/internal/errors"
	interfaces "github.com/sheikh-saqib/token-settlement-ledger/internal/interfaces"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/models"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/models/events"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/registry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger owns balances and total supply. Every balance read and write goes
// through the registry, which holds the registration records and account locks.
type Ledger struct {
	registry  *registry.Registry
	publisher interfaces.EventPublisher
	logger    *zap.Logger
	issueMu   sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithPublisher(p interfaces.EventPublisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

// NewLedger creates a Ledger on top of a registry.
func NewLedger(reg *registry.Registry, opts ...Option) *Ledger {
	l := &Ledger{
		registry: reg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Registry returns the storage registry the ledger works through.
func (l *Ledger) Registry() *registry.Registry {
	return l.registry
}

// TransferRequest is a plain transfer between two registered accounts.
type TransferRequest struct {
	Sender         string
	Receiver       string
	Amount         decimal.Decimal
	Memo           string
	IdempotencyKey string
}

// Init issues totalSupply to owner, registering owner without a deposit if
// needed. Issuance happens once per store: the fact is persisted, so burning
// the whole supply and starting a new Ledger over the same store cannot mint
// again.
func (l *Ledger) Init(ctx context.Context, owner string, totalSupply decimal.Decimal) error {
	if owner == "" {
		return apperrors.New(apperrors.CodeInvalidAccount, "owner id is empty")
	}
	if !models.ValidAmount(totalSupply) {
		return apperrors.New(apperrors.CodeInvalidAmount, "total supply must be a non-negative integer")
	}

	l.issueMu.Lock()
	defer l.issueMu.Unlock()
	unlock := l.registry.Lock(owner)
	defer unlock()

	issued, err := l.registry.Store().Issued(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "load issuance", err)
	}
	if issued {
		return apperrors.New(apperrors.CodeAlreadyIssued, "tokens have already been issued")
	}

	if _, err := l.registry.Enroll(ctx, owner); err != nil {
		return err
	}

	// A zero supply is journaled too, so it still counts as the issuance.
	txID := uuid.NewString()
	err = l.registry.Post(ctx, models.Posting{Entries: []models.LedgerEntry{{
		ID:            txID + "-issue",
		TransactionID: txID,
		AccountID:     owner,
		Kind:          models.EntryIssue,
		Amount:        totalSupply,
		CreatedAt:     l.registry.Now(),
	}}})
	if err != nil {
		return err
	}
	l.logger.Info("tokens issued", zap.String("owner", owner), zap.Stringer("total_supply", totalSupply))
	return nil
}

// TotalSupply returns the amount of tokens in existence.
func (l *Ledger) TotalSupply(ctx context.Context) (decimal.Decimal, error) {
	supply, err := l.registry.Store().TotalSupply(ctx)
	if err != nil {
		return decimal.Zero, apperrors.Wrap(apperrors.CodeInternal, "load total supply", err)
	}
	return supply, nil
}

// BalanceOf returns the balance of account, zero if it is not registered.
// It waits for any settlement in flight on the account to finish.
func (l *Ledger) BalanceOf(ctx context.Context, account string) (decimal.Decimal, error) {
	unlock := l.registry.Lock(account)
	defer unlock()

	a, ok, err := l.registry.Account(ctx, account)
	if err != nil || !ok {
		return decimal.Zero, err
	}
	return a.Balance, nil
}

// Transfer moves amount from sender to receiver. Both sides apply or neither does.
func (l *Ledger) Transfer(ctx context.Context, req TransferRequest) error {
	if err := ValidateTransfer(req.Sender, req.Receiver, req.Amount); err != nil {
		return err
	}

	var committed *models.Transaction
	err := l.WithAccounts(ctx, []string{req.Sender, req.Receiver}, func(tx *Tx) error {
		if req.IdempotencyKey != "" {
			_, found, err := tx.Replay(req.IdempotencyKey, models.KindTransfer, req.Sender, req.Receiver, req.Amount)
			if err != nil || found {
				return err
			}
		}
		if err := tx.CheckTransfer(req.Sender, req.Receiver, req.Amount); err != nil {
			return err
		}

		record := &models.Transaction{
			ID:             uuid.NewString(),
			IdempotencyKey: req.IdempotencyKey,
			Kind:           models.KindTransfer,
			FromAccount:    req.Sender,
			ToAccount:      req.Receiver,
			Amount:         req.Amount,
			Unused:         decimal.Zero,
			CreatedAt:      l.registry.Now(),
		}
		m := Movement{
			TransactionID: record.ID,
			From:          req.Sender,
			To:            req.Receiver,
			Amount:        req.Amount,
			Memo:          req.Memo,
		}
		if err := tx.Move(m, record); err != nil {
			return err
		}
		committed = record
		return nil
	})
	if err != nil {
		return err
	}
	if committed == nil {
		l.logger.Debug("transfer replayed", zap.String("idempotency_key", req.IdempotencyKey))
		return nil
	}

	l.logger.Info("transfer completed",
		zap.String("transaction_id", committed.ID),
		zap.String("sender", req.Sender),
		zap.String("receiver", req.Receiver),
		zap.Stringer("amount", req.Amount))
	l.Publish(events.TopicTransferCompleted, events.TransferCompleted{
		TransactionID: committed.ID,
		FromAccount:   req.Sender,
		ToAccount:     req.Receiver,
		Amount:        models.FormatAmount(req.Amount),
		Memo:          req.Memo,
		OccurredAt:    committed.CreatedAt,
	})
	return nil
}

// ValidateTransfer runs the checks that need no ledger state.
func ValidateTransfer(sender, receiver string, amount decimal.Decimal) error {
	if !models.ValidAmount(amount) {
		return apperrors.New(apperrors.CodeInvalidAmount, "amount must be a non-negative integer")
	}
	if !amount.IsPositive() {
		return apperrors.New(apperrors.CodeZeroAmountTransfer, "the amount should be a positive number")
	}
	if sender == receiver {
		return apperrors.WithMetadata(apperrors.CodeSelfTransfer,
			"sender and receiver should be different", map[string]string{"account": sender})
	}
	return nil
}

// GetLedgerEntries returns the whole journal.
func (l *Ledger) GetLedgerEntries(ctx context.Context) ([]models.LedgerEntry, error) {
	ledgerEntries, err := l.registry.Store().GetLedgerEntries(ctx)
	if err != nil {
		return []models.LedgerEntry{}, err
	}
	return ledgerEntries, nil
}

// GetEntriesByAccount returns the journal of one account.
func (l *Ledger) GetEntriesByAccount(ctx context.Context, accountId string) ([]models.LedgerEntry, error) {
	return l.registry.Store().GetEntriesByAccount(ctx, accountId)
}

// Publish sends an event, logging instead of failing: the ledger change it
// describes is already committed.
func (l *Ledger) Publish(topic string, event any) {
	if l.publisher == nil {
		return
	}
	if err := l.publisher.Publish(topic, event); err != nil {
		l.logger.Warn("publish event failed", zap.String("topic", topic), zap.Error(err))
	}
}
