package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/sheikh-saqib/token-settlement-ledger/internal/errors"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/events/recorder"
	interfaces "github.com/sheikh-saqib/token-settlement-ledger/internal/interfaces"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/ledger"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/models"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/models/events"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/receiver"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/registry"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/storage"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/storage/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	owner = "owner.test"
	defi  = "defi.test"
)

type fixture struct {
	ledger      *ledger.Ledger
	coordinator *Coordinator
	receivers   *receiver.Directory
	events      *recorder.Recorder
}

func amount(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

// newFixture issues supply to owner and deploys the reference receiver at defi.
// defi is registered with the ledger only when registerDefi is set.
func newFixture(t *testing.T, supply int64, registerDefi bool, opts ...Option) *fixture {
	t.Helper()
	return newFixtureOn(t, memory.NewMemoryLedgerStore(), supply, registerDefi, opts...)
}

func newFixtureOn(t *testing.T, store interfaces.LedgerStore, supply int64, registerDefi bool, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	rec := recorder.New()

	reg := registry.New(store, registry.DefaultConfig(), registry.WithLogger(logger))
	l := ledger.NewLedger(reg, ledger.WithLogger(logger), ledger.WithPublisher(rec))
	require.NoError(t, l.Init(ctx, owner, amount(supply)))
	if registerDefi {
		_, err := reg.Register(ctx, defi, reg.MinimumDeposit())
		require.NoError(t, err)
	}

	dir := receiver.NewDirectory()
	dir.Deploy(defi, receiver.DeFi{})
	opts = append([]Option{WithLogger(logger)}, opts...)
	return &fixture{
		ledger:      l,
		coordinator: NewCoordinator(l, dir, opts...),
		receivers:   dir,
		events:      rec,
	}
}

func (f *fixture) notify(t *testing.T, n int64, msg string) Settlement {
	t.Helper()
	s, err := f.coordinator.TransferAndNotify(context.Background(), NotifyRequest{
		Sender: owner, Receiver: defi, Amount: amount(n), Message: msg,
	})
	require.NoError(t, err)
	return s
}

func (f *fixture) requireBalances(t *testing.T, ownerBalance, defiBalance, supply int64) {
	t.Helper()
	ctx := context.Background()
	got, err := f.ledger.BalanceOf(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, amount(ownerBalance).String(), got.String(), "owner balance")
	got, err = f.ledger.BalanceOf(ctx, defi)
	require.NoError(t, err)
	assert.Equal(t, amount(defiBalance).String(), got.String(), "receiver balance")
	got, err = f.ledger.TotalSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, amount(supply).String(), got.String(), "total supply")

	report, err := f.ledger.Audit(ctx)
	require.NoError(t, err)
	assert.True(t, report.Balanced())
}

func TestPartialRefund(t *testing.T) {
	f := newFixture(t, 1000, true)

	s := f.notify(t, 100, "50")

	assert.Equal(t, OutcomeAccepted, s.Outcome)
	assert.Equal(t, StateSettled, s.State)
	assert.Equal(t, "50", s.Unused.String())
	assert.Equal(t, "50", s.Used.String())
	f.requireBalances(t, 950, 50, 1000)

	resolved := f.events.Topic(events.TopicSettlementResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, "50", resolved[0].(events.SettlementResolved).Unused)
}

func TestKeepAll(t *testing.T) {
	f := newFixture(t, 1000, true)

	s := f.notify(t, 100, receiver.KeepAllMessage)

	assert.Equal(t, OutcomeAccepted, s.Outcome)
	assert.True(t, s.Unused.IsZero())
	f.requireBalances(t, 900, 100, 1000)
}

func TestFullRefundWhenReceiverFails(t *testing.T) {
	f := newFixture(t, 1000, true)

	s := f.notify(t, 100, "no parsey as integer big panic oh no")

	assert.Equal(t, OutcomeFailed, s.Outcome)
	assert.Equal(t, "100", s.Unused.String())
	assert.True(t, s.Used.IsZero())
	f.requireBalances(t, 1000, 0, 1000)
}

func TestReceiverNotRegistered(t *testing.T) {
	f := newFixture(t, 1000, false)

	_, err := f.coordinator.TransferAndNotify(context.Background(), NotifyRequest{
		Sender: owner, Receiver: defi, Amount: amount(100), Message: receiver.KeepAllMessage,
	})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeReceiverNotRegistered))
	f.requireBalances(t, 1000, 0, 1000)
	assert.Empty(t, f.events.Topic(events.TopicSettlementResolved))
}

func TestPreconditions(t *testing.T) {
	tests := []struct {
		name string
		req  NotifyRequest
		code apperrors.Code
	}{
		{"zero amount", NotifyRequest{Sender: owner, Receiver: defi, Amount: amount(0)}, apperrors.CodeZeroAmountTransfer},
		{"self", NotifyRequest{Sender: defi, Receiver: defi, Amount: amount(1)}, apperrors.CodeSelfTransfer},
		{"sender not registered", NotifyRequest{Sender: "ghost", Receiver: defi, Amount: amount(1)}, apperrors.CodeSenderNotRegistered},
		{"insufficient balance", NotifyRequest{Sender: owner, Receiver: defi, Amount: amount(1001)}, apperrors.CodeInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			f := newFixture(t, 1000, true)
			f.receivers.Deploy(defi, receiver.Func(func(ctx context.Context, sender, amount, message string) (string, error) {
				called = true
				return "0", nil
			}))

			_, err := f.coordinator.TransferAndNotify(context.Background(), tt.req)
			assert.Equal(t, tt.code, apperrors.GetCode(err))
			assert.False(t, called, "receiver must not run when preconditions fail")
			f.requireBalances(t, 1000, 0, 1000)
		})
	}
}

func TestFullRefundOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		rcv     receiver.Func
		outcome Outcome
	}{
		{"error", func(ctx context.Context, sender, amount, message string) (string, error) {
			return "", errors.New("boom")
		}, OutcomeFailed},
		{"panic", func(ctx context.Context, sender, amount, message string) (string, error) {
			panic("oh no")
		}, OutcomeFailed},
		{"unparsable", func(ctx context.Context, sender, amount, message string) (string, error) {
			return "fifty", nil
		}, OutcomeMalformed},
		{"negative", func(ctx context.Context, sender, amount, message string) (string, error) {
			return "-1", nil
		}, OutcomeMalformed},
		{"more than sent", func(ctx context.Context, sender, amount, message string) (string, error) {
			return "101", nil
		}, OutcomeMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1000, true)
			f.receivers.Deploy(defi, tt.rcv)

			s := f.notify(t, 100, "")
			assert.Equal(t, tt.outcome, s.Outcome)
			assert.Equal(t, "100", s.Unused.String())
			f.requireBalances(t, 1000, 0, 1000)
		})
	}
}

func TestUnreachableReceiver(t *testing.T) {
	f := newFixture(t, 1000, true)
	f.receivers.Remove(defi)

	s := f.notify(t, 100, receiver.KeepAllMessage)
	assert.Equal(t, OutcomeUnreachable, s.Outcome)
	assert.Equal(t, "100", s.Unused.String())
	f.requireBalances(t, 1000, 0, 1000)
}

func TestReceiverTimeout(t *testing.T) {
	f := newFixture(t, 1000, true, WithReceiverTimeout(20*time.Millisecond))
	release := make(chan struct{})
	defer close(release)
	f.receivers.Deploy(defi, receiver.Func(func(ctx context.Context, sender, amount, message string) (string, error) {
		<-release // ignores ctx on purpose
		return "0", nil
	}))

	s := f.notify(t, 100, "")
	assert.Equal(t, OutcomeFailed, s.Outcome)
	f.requireBalances(t, 1000, 0, 1000)
}

func TestCallerCancellationStillSettles(t *testing.T) {
	f := newFixture(t, 1000, true)
	ctx, cancel := context.WithCancel(context.Background())
	f.receivers.Deploy(defi, receiver.Func(func(rctx context.Context, sender, amount, message string) (string, error) {
		cancel()
		<-rctx.Done()
		return "", rctx.Err()
	}))

	s, err := f.coordinator.TransferAndNotify(ctx, NotifyRequest{Sender: owner, Receiver: defi, Amount: amount(100)})
	require.NoError(t, err)
	assert.Equal(t, StateSettled, s.State)
	f.requireBalances(t, 1000, 0, 1000)
}

func TestReceiverSeesOptimisticCredit(t *testing.T) {
	f := newFixture(t, 1000, true)
	var seenAmount, seenSender string
	f.receivers.Deploy(defi, receiver.Func(func(ctx context.Context, sender, amount, message string) (string, error) {
		seenSender, seenAmount = sender, amount
		return "30", nil
	}))

	s := f.notify(t, 100, "ignored")
	assert.Equal(t, owner, seenSender)
	assert.Equal(t, "100", seenAmount)
	assert.Equal(t, "70", s.Used.String())
	f.requireBalances(t, 930, 70, 1000)

	entries, err := f.ledger.GetEntriesByAccount(context.Background(), defi)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.EntryCredit, entries[0].Kind)
	assert.Equal(t, models.EntryRefundDebit, entries[1].Kind)
	assert.Equal(t, "-30", entries[1].Amount.String())
}

func TestBalanceReadsWaitForSettlement(t *testing.T) {
	f := newFixture(t, 1000, true)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.receivers.Deploy(defi, receiver.Func(func(ctx context.Context, sender, amount, message string) (string, error) {
		close(entered)
		<-release
		return "100", nil
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.notify(t, 100, "")
	}()

	<-entered
	read := make(chan decimal.Decimal, 1)
	go func() {
		b, _ := f.ledger.BalanceOf(context.Background(), defi)
		read <- b
	}()

	select {
	case b := <-read:
		t.Fatalf("balance read %s during settlement", b)
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	wg.Wait()
	assert.Equal(t, "0", (<-read).String())
}

func TestIdempotentReplay(t *testing.T) {
	f := newFixture(t, 1000, true)
	req := NotifyRequest{Sender: owner, Receiver: defi, Amount: amount(100), Message: "40", IdempotencyKey: "call-1"}

	first, err := f.coordinator.TransferAndNotify(context.Background(), req)
	require.NoError(t, err)
	second, err := f.coordinator.TransferAndNotify(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "40", second.Unused.String())
	assert.Equal(t, OutcomeAccepted, second.Outcome)
	f.requireBalances(t, 940, 60, 1000)
	assert.Len(t, f.events.Topic(events.TopicSettlementResolved), 1)
}

func TestForcedCloseAfterSettlement(t *testing.T) {
	f := newFixture(t, 1000, true)

	s := f.notify(t, 100, "10")
	assert.Equal(t, "90", s.Used.String())

	res, err := f.ledger.Registry().Unregister(context.Background(), owner, true)
	require.NoError(t, err)
	assert.True(t, res.Closed)

	supply, err := f.ledger.TotalSupply(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "90", supply.String())
	b, err := f.ledger.BalanceOf(context.Background(), defi)
	require.NoError(t, err)
	assert.Equal(t, "90", b.String())
}

func TestConcurrentSettlementsConserveSupply(t *testing.T) {
	f := newFixture(t, 10000, true)
	msgs := []string{"0", "5", "10", "junk", receiver.KeepAllMessage}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.coordinator.TransferAndNotify(context.Background(), NotifyRequest{
				Sender: owner, Receiver: defi, Amount: amount(10), Message: msgs[i%len(msgs)],
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// per 5 calls: used 10, 5, 0, 0, 10
	f.requireBalances(t, 10000-250, 250, 10000)
}

func TestIdempotencyKeyConflicts(t *testing.T) {
	ctx := context.Background()

	t.Run("transfer key reused for notify", func(t *testing.T) {
		f := newFixture(t, 1000, true)
		_, err := f.ledger.Registry().Register(ctx, "alice", f.ledger.Registry().MinimumDeposit())
		require.NoError(t, err)
		require.NoError(t, f.ledger.Transfer(ctx, ledger.TransferRequest{
			Sender: owner, Receiver: "alice", Amount: amount(10), IdempotencyKey: "k",
		}))

		_, err = f.coordinator.TransferAndNotify(ctx, NotifyRequest{
			Sender: owner, Receiver: defi, Amount: amount(100), Message: "50", IdempotencyKey: "k",
		})
		require.True(t, apperrors.IsCode(err, apperrors.CodeIdempotencyConflict), "got %v", err)
		f.requireBalances(t, 990, 0, 1000)
		assert.Empty(t, f.events.Topic(events.TopicSettlementResolved))
	})

	t.Run("notify key reused for transfer", func(t *testing.T) {
		f := newFixture(t, 1000, true)
		_, err := f.ledger.Registry().Register(ctx, "alice", f.ledger.Registry().MinimumDeposit())
		require.NoError(t, err)
		_, err = f.coordinator.TransferAndNotify(ctx, NotifyRequest{
			Sender: owner, Receiver: defi, Amount: amount(100), Message: "50", IdempotencyKey: "k",
		})
		require.NoError(t, err)

		err = f.ledger.Transfer(ctx, ledger.TransferRequest{
			Sender: owner, Receiver: "alice", Amount: amount(10), IdempotencyKey: "k",
		})
		require.True(t, apperrors.IsCode(err, apperrors.CodeIdempotencyConflict), "got %v", err)
		f.requireBalances(t, 950, 50, 1000)
	})

	t.Run("notify key reused with another amount", func(t *testing.T) {
		f := newFixture(t, 1000, true)
		req := NotifyRequest{Sender: owner, Receiver: defi, Amount: amount(100), Message: "50", IdempotencyKey: "k"}
		_, err := f.coordinator.TransferAndNotify(ctx, req)
		require.NoError(t, err)

		req.Amount = amount(200)
		_, err = f.coordinator.TransferAndNotify(ctx, req)
		require.True(t, apperrors.IsCode(err, apperrors.CodeIdempotencyConflict), "got %v", err)
		f.requireBalances(t, 950, 50, 1000)
	})
}

// missedLookupStore never finds a transaction by key, as when two requests
// with one key on disjoint accounts both look it up before either commits.
type missedLookupStore struct {
	*memory.MemoryLedgerStore
}

func (s missedLookupStore) GetTransaction(ctx context.Context, key string) (models.Transaction, error) {
	return models.Transaction{}, storage.ErrTransactionNotFound
}

func TestDuplicateKeyIsRejectedBeforeValueMoves(t *testing.T) {
	ctx := context.Background()
	f := newFixtureOn(t, missedLookupStore{memory.NewMemoryLedgerStore()}, 1000, true)
	reg := f.ledger.Registry()
	for _, a := range []string{"alice", "bob"} {
		_, err := reg.Register(ctx, a, reg.MinimumDeposit())
		require.NoError(t, err)
	}
	require.NoError(t, f.ledger.Transfer(ctx, ledger.TransferRequest{Sender: owner, Receiver: "alice", Amount: amount(300)}))
	f.receivers.Deploy("bob", receiver.DeFi{})

	_, err := f.coordinator.TransferAndNotify(ctx, NotifyRequest{
		Sender: owner, Receiver: defi, Amount: amount(100), Message: "40", IdempotencyKey: "k",
	})
	require.NoError(t, err)

	_, err = f.coordinator.TransferAndNotify(ctx, NotifyRequest{
		Sender: "alice", Receiver: "bob", Amount: amount(100), Message: "40", IdempotencyKey: "k",
	})
	require.True(t, apperrors.IsCode(err, apperrors.CodeIdempotencyConflict), "got %v", err)

	alice, err := f.ledger.BalanceOf(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "300", alice.String())
	bob, err := f.ledger.BalanceOf(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, bob.IsZero())
	f.requireBalances(t, 640, 60, 1000)
}

// settledRecordFailingStore refuses any posting that settles a transfer_call
// record.
type settledRecordFailingStore struct {
	*memory.MemoryLedgerStore
}

func (s settledRecordFailingStore) Post(ctx context.Context, p models.Posting) error {
	if p.Transaction != nil && p.Transaction.Outcome != "" {
		return errors.New("record write failed")
	}
	return s.MemoryLedgerStore.Post(ctx, p)
}

func TestRefundLandsWhenRecordUpdateFails(t *testing.T) {
	tests := []struct {
		name       string
		msg        string
		ownerAfter int64
		defiAfter  int64
	}{
		{"partial refund", "40", 940, 60},
		{"full refund", "not an amount", 1000, 0},
		{"keep all", receiver.KeepAllMessage, 900, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixtureOn(t, settledRecordFailingStore{memory.NewMemoryLedgerStore()}, 1000, true)

			s, err := f.coordinator.TransferAndNotify(context.Background(), NotifyRequest{
				Sender: owner, Receiver: defi, Amount: amount(100), Message: tt.msg, IdempotencyKey: "k",
			})
			require.NoError(t, err)
			assert.Equal(t, StateSettled, s.State)
			f.requireBalances(t, tt.ownerAfter, tt.defiAfter, 1000)
		})
	}
}
