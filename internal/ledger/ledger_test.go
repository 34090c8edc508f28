package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	apperrors "github.com/sheikh-saqib/token-settlement-ledger/internal/errors"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/events/recorder"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/models"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/models/events"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/registry"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/storage/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const owner = "owner.test"

func amount(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func newTestLedger(t *testing.T, supply int64, accounts ...string) (*Ledger, *recorder.Recorder) {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	rec := recorder.New()

	reg := registry.New(memory.NewMemoryLedgerStore(), registry.DefaultConfig(), registry.WithLogger(logger))
	l := NewLedger(reg, WithLogger(logger), WithPublisher(rec))
	require.NoError(t, l.Init(ctx, owner, amount(supply)))
	for _, a := range accounts {
		_, err := reg.Register(ctx, a, reg.MinimumDeposit())
		require.NoError(t, err)
	}
	return l, rec
}

func requireBalance(t *testing.T, l *Ledger, account string, want int64) {
	t.Helper()
	got, err := l.BalanceOf(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, amount(want).String(), got.String(), "balance of %s", account)
}

func requireSupply(t *testing.T, l *Ledger, want int64) {
	t.Helper()
	got, err := l.TotalSupply(context.Background())
	require.NoError(t, err)
	assert.Equal(t, amount(want).String(), got.String())
}

func requireBalanced(t *testing.T, l *Ledger) {
	t.Helper()
	report, err := l.Audit(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Balanced(), "sum %s != supply %s", report.BalanceSum, report.TotalSupply)
}

func TestInit(t *testing.T) {
	l, _ := newTestLedger(t, 100)
	requireSupply(t, l, 100)
	requireBalance(t, l, owner, 100)

	err := l.Init(context.Background(), owner, amount(5))
	assert.True(t, apperrors.IsCode(err, apperrors.CodeAlreadyIssued))
	requireSupply(t, l, 100)
}

func TestSimpleTransfer(t *testing.T) {
	l, rec := newTestLedger(t, 100000, "alice")

	require.NoError(t, l.Transfer(context.Background(), TransferRequest{
		Sender: owner, Receiver: "alice", Amount: amount(100), Memo: "hello",
	}))

	requireBalance(t, l, owner, 99900)
	requireBalance(t, l, "alice", 100)
	requireSupply(t, l, 100000)
	requireBalanced(t, l)

	completed := rec.Topic(events.TopicTransferCompleted)
	require.Len(t, completed, 1)
	ev := completed[0].(events.TransferCompleted)
	assert.Equal(t, "100", ev.Amount)
	assert.Equal(t, "hello", ev.Memo)

	entries, err := l.GetEntriesByAccount(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryCredit, entries[0].Kind)
}

func TestTransferPreconditions(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		req  TransferRequest
		code apperrors.Code
	}{
		{"zero amount", TransferRequest{Sender: owner, Receiver: "alice", Amount: amount(0)}, apperrors.CodeZeroAmountTransfer},
		{"negative amount", TransferRequest{Sender: owner, Receiver: "alice", Amount: amount(-1)}, apperrors.CodeInvalidAmount},
		{"self transfer", TransferRequest{Sender: owner, Receiver: owner, Amount: amount(1)}, apperrors.CodeSelfTransfer},
		{"sender not registered", TransferRequest{Sender: "ghost", Receiver: "alice", Amount: amount(1)}, apperrors.CodeSenderNotRegistered},
		{"receiver not registered", TransferRequest{Sender: owner, Receiver: "ghost", Amount: amount(1)}, apperrors.CodeReceiverNotRegistered},
		{"insufficient balance", TransferRequest{Sender: owner, Receiver: "alice", Amount: amount(1001)}, apperrors.CodeInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, rec := newTestLedger(t, 1000, "alice")

			err := l.Transfer(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.GetCode(err))

			requireBalance(t, l, owner, 1000)
			requireBalance(t, l, "alice", 0)
			requireSupply(t, l, 1000)
			assert.Empty(t, rec.Topic(events.TopicTransferCompleted))
		})
	}
}

func TestTransferIdempotencyKey(t *testing.T) {
	l, rec := newTestLedger(t, 1000, "alice")
	req := TransferRequest{Sender: owner, Receiver: "alice", Amount: amount(10), IdempotencyKey: "k1"}

	require.NoError(t, l.Transfer(context.Background(), req))
	require.NoError(t, l.Transfer(context.Background(), req))

	requireBalance(t, l, owner, 990)
	requireBalance(t, l, "alice", 10)
	assert.Len(t, rec.Topic(events.TopicTransferCompleted), 1)
}

func TestBalanceOfUnregistered(t *testing.T) {
	l, _ := newTestLedger(t, 1000)
	requireBalance(t, l, "nobody", 0)
}

func TestForcedCloseBurnsSupply(t *testing.T) {
	l, _ := newTestLedger(t, 100000, "alice")
	ctx := context.Background()
	require.NoError(t, l.Transfer(ctx, TransferRequest{Sender: owner, Receiver: "alice", Amount: amount(250)}))

	_, err := l.Registry().Unregister(ctx, "alice", false)
	require.True(t, apperrors.IsCode(err, apperrors.CodeNonEmptyBalanceOnClose))
	requireBalance(t, l, "alice", 250)

	res, err := l.Registry().Unregister(ctx, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, "250", res.Burned.String())
	requireBalance(t, l, "alice", 0)
	requireSupply(t, l, 99750)
	requireBalanced(t, l)
}

func TestOwnerForcedCloseBurnsEverything(t *testing.T) {
	l, _ := newTestLedger(t, 100000)

	res, err := l.Registry().Unregister(context.Background(), owner, true)
	require.NoError(t, err)
	assert.True(t, res.Closed)
	requireSupply(t, l, 0)
}

func TestMovePrimitives(t *testing.T) {
	l, _ := newTestLedger(t, 1000, "alice")
	ctx := context.Background()

	err := l.WithAccounts(ctx, []string{owner, "alice"}, func(tx *Tx) error {
		m := Movement{TransactionID: "t1", From: owner, To: "alice", Amount: amount(300)}
		if err := tx.Move(m, nil); err != nil {
			return err
		}
		b, err := tx.Balance("alice")
		require.NoError(t, err)
		assert.Equal(t, "300", b.String())
		return tx.Move(m.Inverse(), nil)
	})
	require.NoError(t, err)

	requireBalance(t, l, owner, 1000)
	requireBalance(t, l, "alice", 0)

	entries, err := l.GetEntriesByAccount(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.EntryCredit, entries[0].Kind)
	assert.Equal(t, models.EntryRefundDebit, entries[1].Kind)
}

func TestMoveRequiresLockedAccounts(t *testing.T) {
	l, _ := newTestLedger(t, 1000, "alice", "bob")

	err := l.WithAccounts(context.Background(), []string{owner}, func(tx *Tx) error {
		return tx.Move(Movement{TransactionID: "t", From: owner, To: "bob", Amount: amount(1)}, nil)
	})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInternal))
	requireBalance(t, l, "bob", 0)
}

func TestConcurrentTransfersKeepSupply(t *testing.T) {
	accounts := []string{"a", "b", "c", "d"}
	l, _ := newTestLedger(t, 4000, accounts...)
	ctx := context.Background()
	for _, a := range accounts {
		require.NoError(t, l.Transfer(ctx, TransferRequest{Sender: owner, Receiver: a, Amount: amount(1000)}))
	}

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from := accounts[i%len(accounts)]
			to := accounts[(i+1)%len(accounts)]
			err := l.Transfer(ctx, TransferRequest{Sender: from, Receiver: to, Amount: amount(int64(i%7 + 1))})
			if err != nil && !apperrors.IsCode(err, apperrors.CodeInsufficientBalance) {
				t.Errorf("transfer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	requireSupply(t, l, 4000)
	requireBalanced(t, l)
}

func TestAuditCountsAccounts(t *testing.T) {
	l, _ := newTestLedger(t, 10, "alice", "bob")
	report, err := l.Audit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Accounts)
	assert.Equal(t, "10", report.BalanceSum.String())
	assert.True(t, report.Balanced(), fmt.Sprint(report))
}

func TestInitOncePerStore(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryLedgerStore()
	newLedger := func() *Ledger {
		reg := registry.New(store, registry.DefaultConfig(), registry.WithLogger(zaptest.NewLogger(t)))
		return NewLedger(reg, WithLogger(zaptest.NewLogger(t)))
	}

	first := newLedger()
	require.NoError(t, first.Init(ctx, owner, amount(1000)))
	_, err := first.Registry().Unregister(ctx, owner, true)
	require.NoError(t, err)
	requireSupply(t, first, 0)

	second := newLedger()
	err = second.Init(ctx, owner, amount(1000))
	assert.True(t, apperrors.IsCode(err, apperrors.CodeAlreadyIssued), "got %v", err)
	requireSupply(t, second, 0)

	_, registered, err := second.Registry().Account(ctx, owner)
	require.NoError(t, err)
	assert.False(t, registered, "a refused issuance does not re-enroll the owner")
}

func TestInitZeroSupplyCountsAsIssued(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	requireSupply(t, l, 0)

	err := l.Init(context.Background(), owner, amount(5))
	assert.True(t, apperrors.IsCode(err, apperrors.CodeAlreadyIssued))
	requireSupply(t, l, 0)
}

func TestTransferIdempotencyConflict(t *testing.T) {
	l, rec := newTestLedger(t, 1000, "alice", "bob")
	ctx := context.Background()
	require.NoError(t, l.Transfer(ctx, TransferRequest{Sender: owner, Receiver: "alice", Amount: amount(10), IdempotencyKey: "k1"}))

	tests := []struct {
		name string
		req  TransferRequest
	}{
		{"other receiver", TransferRequest{Sender: owner, Receiver: "bob", Amount: amount(10), IdempotencyKey: "k1"}},
		{"other amount", TransferRequest{Sender: owner, Receiver: "alice", Amount: amount(11), IdempotencyKey: "k1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.Transfer(ctx, tt.req)
			require.True(t, apperrors.IsCode(err, apperrors.CodeIdempotencyConflict), "got %v", err)
		})
	}

	requireBalance(t, l, owner, 990)
	requireBalance(t, l, "alice", 10)
	requireBalance(t, l, "bob", 0)
	assert.Len(t, rec.Topic(events.TopicTransferCompleted), 1)
}
