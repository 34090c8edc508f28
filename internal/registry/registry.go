// Package registry tracks which accounts may hold a balance.
//
// The Registry owns registration records and the per-account lock table, and
// mediates every balance read and write made by the ledger. Account, Enroll and
// Post expect the caller to hold the locks of the accounts involved (see Lock);
// Register, Unregister and StorageBalanceOf take them themselves.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/sheikh-saqib/token-settlement-ledger/internal/errors"
	interfaces "github.com/sheikh-saqib/token-settlement-ledger/internal/interfaces"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/models"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/models/events"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/storage"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Defaults observed on the reference deployment: 10^19 per byte for a 125 byte record.
var DefaultStoragePricePerByte = decimal.RequireFromString("10000000000000000000")

const DefaultAccountStorageBytes = 125

// Config sets the storage cost model.
type Config struct {
	StoragePricePerByte decimal.Decimal
	AccountStorageBytes int64
}

// DefaultConfig returns the reference storage cost model.
func DefaultConfig() Config {
	return Config{
		StoragePricePerByte: DefaultStoragePricePerByte,
		AccountStorageBytes: DefaultAccountStorageBytes,
	}
}

// MinimumDeposit is the deposit required to register one account.
func (c Config) MinimumDeposit() decimal.Decimal {
	return c.StoragePricePerByte.Mul(decimal.NewFromInt(c.AccountStorageBytes))
}

// RegistrationResult reports the outcome of Register.
type RegistrationResult struct {
	Registered     bool            // false when the account already existed
	Refund         decimal.Decimal // part of the deposit handed back to the caller
	StorageBalance models.StorageBalance
}

// UnregisterResult reports the outcome of Unregister.
type UnregisterResult struct {
	Closed        bool
	Burned        decimal.Decimal // balance destroyed by a forced close
	StorageRefund decimal.Decimal // storage deposit released by the record
}

type Registry struct {
	store      interfaces.LedgerStore
	publisher  interfaces.EventPublisher
	logger     *zap.Logger
	minDeposit decimal.Decimal
	locks      *accountLocks
	now        func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func WithPublisher(p interfaces.EventPublisher) Option {
	return func(r *Registry) { r.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(store interfaces.LedgerStore, cfg Config, opts ...Option) *Registry {
	r := &Registry{
		store:      store,
		logger:     zap.NewNop(),
		minDeposit: cfg.MinimumDeposit(),
		locks:      newAccountLocks(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now returns the registry clock, shared with the ledger for journal timestamps.
func (r *Registry) Now() time.Time {
	return r.now().UTC()
}

// MinimumDeposit is the deposit required to register an account.
func (r *Registry) MinimumDeposit() decimal.Decimal {
	return r.minDeposit
}

// StorageBalanceBounds reports the accepted deposit range. Records have a fixed
// size, so min and max are the same.
func (r *Registry) StorageBalanceBounds() models.StorageBounds {
	return models.StorageBounds{Min: r.minDeposit, Max: r.minDeposit}
}

// StorageBalanceOf returns the deposit held for account, or false when the
// account is not registered.
func (r *Registry) StorageBalanceOf(ctx context.Context, account string) (models.StorageBalance, bool, error) {
	unlock := r.Lock(account)
	defer unlock()

	a, ok, err := r.Account(ctx, account)
	if err != nil || !ok {
		return models.StorageBalance{}, false, err
	}
	return storageBalance(a), true, nil
}

// Register creates a registration record with a zero balance.
//
// The deposit must cover MinimumDeposit; any excess is refunded. Registering an
// existing account changes nothing and refunds the whole deposit.
func (r *Registry) Register(ctx context.Context, account string, deposit decimal.Decimal) (RegistrationResult, error) {
	if account == "" {
		return RegistrationResult{}, apperrors.New(apperrors.CodeInvalidAccount, "account id is empty")
	}
	if !models.ValidAmount(deposit) {
		return RegistrationResult{}, apperrors.New(apperrors.CodeInvalidAmount, "deposit must be a non-negative integer")
	}

	res, err := r.register(ctx, account, deposit)
	if err != nil || !res.Registered {
		return res, err
	}

	r.logger.Info("account registered", zap.String("account", account))
	r.publish(events.TopicAccountRegistered, events.AccountRegistered{
		AccountID:  account,
		Deposit:    models.FormatAmount(r.minDeposit),
		OccurredAt: r.Now(),
	})
	return res, nil
}

func (r *Registry) register(ctx context.Context, account string, deposit decimal.Decimal) (RegistrationResult, error) {
	unlock := r.Lock(account)
	defer unlock()

	existing, ok, err := r.Account(ctx, account)
	if err != nil {
		return RegistrationResult{}, err
	}
	if ok {
		r.logger.Debug("account already registered, refunding deposit",
			zap.String("account", account), zap.Stringer("deposit", deposit))
		return RegistrationResult{Refund: deposit, StorageBalance: storageBalance(existing)}, nil
	}

	if deposit.LessThan(r.minDeposit) {
		return RegistrationResult{}, apperrors.WithMetadata(apperrors.CodeInsufficientStorageDeposit,
			"attached deposit is less than the minimum storage balance",
			map[string]string{
				"account":  account,
				"required": models.FormatAmount(r.minDeposit),
				"deposit":  models.FormatAmount(deposit),
				"refund":   models.FormatAmount(deposit),
			})
	}

	created, err := r.enroll(ctx, account, r.minDeposit)
	if err != nil {
		return RegistrationResult{}, err
	}
	return RegistrationResult{
		Registered:     true,
		Refund:         deposit.Sub(r.minDeposit),
		StorageBalance: storageBalance(created),
	}, nil
}

// Enroll registers account without a deposit. It is used for the owner at
// issuance. Returns false if the account already existed.
func (r *Registry) Enroll(ctx context.Context, account string) (bool, error) {
	_, ok, err := r.Account(ctx, account)
	if err != nil || ok {
		return false, err
	}
	if _, err := r.enroll(ctx, account, decimal.Zero); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) enroll(ctx context.Context, account string, deposit decimal.Decimal) (models.Account, error) {
	a := models.Account{
		ID:             account,
		Balance:        decimal.Zero,
		StorageDeposit: deposit,
		RegisteredAt:   r.Now(),
	}
	if err := r.store.CreateAccount(ctx, a); err != nil {
		return models.Account{}, apperrors.Wrap(apperrors.CodeInternal, "create account", err)
	}
	return a, nil
}

// Unregister removes the registration record together with its balance.
//
// A positive balance blocks the close unless force is set, in which case the
// balance is burned and total supply shrinks by it.
func (r *Registry) Unregister(ctx context.Context, account string, force bool) (UnregisterResult, error) {
	res, err := r.unregister(ctx, account, force)
	if err != nil {
		return UnregisterResult{}, err
	}

	if res.Burned.IsPositive() {
		r.logger.Warn("account closed with forced burn",
			zap.String("account", account), zap.Stringer("burned", res.Burned))
	} else {
		r.logger.Info("account closed", zap.String("account", account))
	}
	r.publish(events.TopicAccountClosed, events.AccountClosed{
		AccountID:  account,
		Burned:     models.FormatAmount(res.Burned),
		Forced:     res.Burned.IsPositive(),
		OccurredAt: r.Now(),
	})
	return res, nil
}

func (r *Registry) unregister(ctx context.Context, account string, force bool) (UnregisterResult, error) {
	unlock := r.Lock(account)
	defer unlock()

	a, ok, err := r.Account(ctx, account)
	if err != nil {
		return UnregisterResult{}, err
	}
	if !ok {
		return UnregisterResult{}, apperrors.WithMetadata(apperrors.CodeAccountNotRegistered,
			"account is not registered", map[string]string{"account": account})
	}

	if a.Balance.IsPositive() && !force {
		return UnregisterResult{}, apperrors.WithMetadata(apperrors.CodeNonEmptyBalanceOnClose,
			"cannot unregister account with positive balance without force",
			map[string]string{"account": account, "balance": models.FormatAmount(a.Balance)})
	}

	posting := models.Posting{CloseAccount: account}
	if a.Balance.IsPositive() {
		posting.Entries = []models.LedgerEntry{{
			ID:            uuid.NewString(),
			TransactionID: uuid.NewString(),
			AccountID:     account,
			Kind:          models.EntryBurn,
			Amount:        a.Balance.Neg(),
			Memo:          "forced close",
			CreatedAt:     r.Now(),
		}}
	}
	if err := r.store.Post(ctx, posting); err != nil {
		return UnregisterResult{}, apperrors.Wrap(apperrors.CodeInternal, "close account", err)
	}
	return UnregisterResult{Closed: true, Burned: a.Balance, StorageRefund: a.StorageDeposit}, nil
}

// Lock acquires the locks of the given accounts and returns the release func.
func (r *Registry) Lock(accounts ...string) (unlock func()) {
	return r.locks.lock(accounts...)
}

// Account loads a registration record. A missing record is reported as
// ok=false rather than an error.
func (r *Registry) Account(ctx context.Context, account string) (models.Account, bool, error) {
	a, err := r.store.GetAccount(ctx, account)
	if errors.Is(err, storage.ErrAccountNotFound) {
		return models.Account{}, false, nil
	}
	if err != nil {
		return models.Account{}, false, apperrors.Wrap(apperrors.CodeInternal, "load account", err)
	}
	return a, true, nil
}

// Post applies a balance posting. The store rejects entries for accounts
// without a registration record.
func (r *Registry) Post(ctx context.Context, posting models.Posting) error {
	if err := r.store.Post(ctx, posting); err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return apperrors.Wrap(apperrors.CodeAccountNotRegistered, "post entries", err)
		}
		if errors.Is(err, storage.ErrNegativeBalance) {
			return apperrors.Wrap(apperrors.CodeInsufficientBalance, "post entries", err)
		}
		if errors.Is(err, storage.ErrAlreadyIssued) {
			return apperrors.Wrap(apperrors.CodeAlreadyIssued, "post entries", err)
		}
		if errors.Is(err, storage.ErrDuplicateKey) {
			return apperrors.Wrap(apperrors.CodeIdempotencyConflict, "post entries", err)
		}
		return apperrors.Wrap(apperrors.CodeInternal, "post entries", err)
	}
	return nil
}

// Store exposes the underlying store for read-only journal queries.
func (r *Registry) Store() interfaces.LedgerStore {
	return r.store
}

// publish must be called without account locks held; a broker write can block.
func (r *Registry) publish(topic string, event any) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(topic, event); err != nil {
		r.logger.Warn("publish event failed", zap.String("topic", topic), zap.Error(err))
	}
}

func storageBalance(a models.Account) models.StorageBalance {
	return models.StorageBalance{Total: a.StorageDeposit, Available: decimal.Zero}
}
