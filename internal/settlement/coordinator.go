// Package settlement runs transfers into receiver contracts.
//
// A transfer_and_notify credits the receiver optimistically, lets the receiver
// contract decide how much it keeps, and moves the unused part back to the
// sender. Whatever the receiver does (answer, fail, panic, time out or not
// exist) the intent ends Settled with total supply unchanged; on anything but
// a valid answer the optimistic move is undone exactly.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/sheikh-saqib/token-settlement-ledger/internal/errors"
	interfaces "github.com/sheikh-saqib/token-settlement-ledger/internal/interfaces"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/ledger"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/models"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/models/events"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultReceiverTimeout bounds how long a receiver may take to answer.
const DefaultReceiverTimeout = 30 * time.Second

// Resolver finds the receiver contract deployed at an account.
type Resolver interface {
	Lookup(account string) (interfaces.Receiver, bool)
}

// NotifyRequest is a transfer that notifies the receiver.
type NotifyRequest struct {
	Sender         string
	Receiver       string
	Amount         decimal.Decimal
	Message        string // opaque to the ledger, handed to the receiver
	Memo           string
	IdempotencyKey string
}

// Settlement is the terminal result of a transfer_and_notify.
type Settlement struct {
	ID       string
	Sender   string
	Receiver string
	Amount   decimal.Decimal
	Unused   decimal.Decimal // refunded to the sender
	Used     decimal.Decimal // kept by the receiver
	Outcome  Outcome
	State    State
	Replayed bool // served from a previous call with the same idempotency key
}

type Coordinator struct {
	ledger    *ledger.Ledger
	receivers Resolver
	timeout   time.Duration
	logger    *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithReceiverTimeout sets how long to wait for a receiver. Zero disables the limit.
func WithReceiverTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

func NewCoordinator(l *ledger.Ledger, receivers Resolver, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:    l,
		receivers: receivers,
		timeout:   DefaultReceiverTimeout,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TransferAndNotify moves req.Amount to the receiver, notifies its contract and
// refunds whatever the contract reports as unused.
//
// Precondition failures are returned before any balance moves. Receiver
// misbehaviour is never an error: it ends in a full refund. Both accounts stay
// locked from the debit until reconciliation, and cancelling ctx only cuts the
// wait for the receiver short.
func (c *Coordinator) TransferAndNotify(ctx context.Context, req NotifyRequest) (Settlement, error) {
	if err := ledger.ValidateTransfer(req.Sender, req.Receiver, req.Amount); err != nil {
		return Settlement{}, err
	}

	var result Settlement
	settleCtx := context.WithoutCancel(ctx)
	err := c.ledger.WithAccounts(settleCtx, []string{req.Sender, req.Receiver}, func(tx *ledger.Tx) error {
		if req.IdempotencyKey != "" {
			prev, found, err := tx.Replay(req.IdempotencyKey, models.KindTransferCall, req.Sender, req.Receiver, req.Amount)
			if err != nil {
				return err
			}
			if found {
				result = fromTransaction(prev)
				return nil
			}
		}

		in := &intent{
			id:       uuid.NewString(),
			sender:   req.Sender,
			receiver: req.Receiver,
			amount:   req.Amount,
			message:  req.Message,
			memo:     req.Memo,
			state:    StatePending,

			idempotencyKey: req.IdempotencyKey,
		}
		if err := tx.CheckTransfer(in.sender, in.receiver, in.amount); err != nil {
			return err
		}

		optimistic := ledger.Movement{
			TransactionID: in.id,
			From:          in.sender,
			To:            in.receiver,
			Amount:        in.amount,
			Memo:          in.memo,
		}
		if err := in.optimistic(optimistic); err != nil {
			return err
		}
		// The record goes in with the optimistic move so the idempotency key
		// is claimed before any value reaches the receiver.
		in.record = &models.Transaction{
			ID:             in.id,
			IdempotencyKey: in.idempotencyKey,
			Kind:           models.KindTransferCall,
			FromAccount:    in.sender,
			ToAccount:      in.receiver,
			Amount:         in.amount,
			Unused:         decimal.Zero,
			CreatedAt:      c.ledger.Registry().Now(),
		}
		if err := tx.Move(optimistic, in.record); err != nil {
			return err
		}

		outcome, unused, cause := c.notify(ctx, in)
		if err := in.notified(outcome, unused, cause); err != nil {
			return err
		}

		if err := c.reconcile(tx, in); err != nil {
			return err
		}
		result = in.result()
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}
	if result.Replayed {
		c.logger.Debug("settlement replayed",
			zap.String("settlement_id", result.ID), zap.String("idempotency_key", req.IdempotencyKey))
		return result, nil
	}

	c.ledger.Publish(events.TopicSettlementResolved, events.SettlementResolved{
		SettlementID: result.ID,
		FromAccount:  result.Sender,
		ToAccount:    result.Receiver,
		Amount:       models.FormatAmount(result.Amount),
		Unused:       models.FormatAmount(result.Unused),
		Outcome:      string(result.Outcome),
		OccurredAt:   c.ledger.Registry().Now(),
	})
	return result, nil
}

// reconcile moves the unused amount back and settles the transaction record
// in the same posting.
func (c *Coordinator) reconcile(tx *ledger.Tx, in *intent) error {
	receiverBalance, err := tx.Balance(in.receiver)
	if err != nil {
		return c.stuck(in, err)
	}
	refund := in.reconciliation(receiverBalance)

	record := *in.record
	record.Unused = refund.Amount
	record.Outcome = string(in.outcome)
	if err := tx.Move(refund, &record); err != nil {
		// The refund must land even if the record cannot be updated.
		c.logger.Warn("settlement record update failed, refunding without it",
			zap.String("settlement_id", in.id), zap.Error(err))
		if err := tx.Move(refund, nil); err != nil {
			return c.stuck(in, err)
		}
	}
	if err := in.settled(refund.Amount); err != nil {
		return err
	}

	fields := []zap.Field{
		zap.String("settlement_id", in.id),
		zap.String("sender", in.sender),
		zap.String("receiver", in.receiver),
		zap.Stringer("amount", in.amount),
		zap.Stringer("unused", in.unused),
		zap.String("outcome", string(in.outcome)),
	}
	if in.cause != nil {
		c.logger.Warn("settlement refunded in full", append(fields, zap.Error(in.cause))...)
	} else {
		c.logger.Info("settlement resolved", fields...)
	}
	return nil
}

// stuck reports a reconciliation the store refused. The optimistic move is
// still applied; this only happens when storage itself fails.
func (c *Coordinator) stuck(in *intent, err error) error {
	c.logger.Error("settlement reconciliation failed",
		zap.String("settlement_id", in.id),
		zap.String("sender", in.sender),
		zap.String("receiver", in.receiver),
		zap.Stringer("amount", in.amount),
		zap.Error(err))
	return apperrors.Wrap(apperrors.CodeInternal, "reconcile settlement "+in.id, err)
}

// notify calls the receiver contract and classifies its answer.
func (c *Coordinator) notify(ctx context.Context, in *intent) (Outcome, decimal.Decimal, error) {
	r, ok := c.receivers.Lookup(in.receiver)
	if !ok {
		return OutcomeUnreachable, decimal.Zero, apperrors.WithMetadata(apperrors.CodeReceiverUnreachable,
			"no receiver contract deployed", map[string]string{"account": in.receiver})
	}

	raw, err := c.invoke(ctx, r, in)
	if err != nil {
		return OutcomeFailed, decimal.Zero, apperrors.Wrap(apperrors.CodeReceiverInvocationFailed, "invoke receiver", err)
	}

	unused, err := models.ParseAmount(raw)
	if err != nil {
		return OutcomeMalformed, decimal.Zero, apperrors.Wrap(apperrors.CodeMalformedReceiverResponse,
			fmt.Sprintf("receiver answered %q", raw), err)
	}
	if unused.GreaterThan(in.amount) {
		return OutcomeMalformed, decimal.Zero, apperrors.WithMetadata(apperrors.CodeMalformedReceiverResponse,
			"unused amount exceeds transferred amount",
			map[string]string{"unused": raw, "amount": models.FormatAmount(in.amount)})
	}
	return OutcomeAccepted, unused, nil
}

type invocation struct {
	unused string
	err    error
}

// invoke runs the receiver on its own goroutine so a receiver that ignores its
// context still cannot hold the accounts past the timeout. Panics are failures.
func (c *Coordinator) invoke(ctx context.Context, r interfaces.Receiver, in *intent) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- invocation{err: fmt.Errorf("receiver panicked: %v", p)}
			}
		}()
		unused, err := r.OnReceive(ctx, in.sender, models.FormatAmount(in.amount), in.message)
		done <- invocation{unused: unused, err: err}
	}()

	select {
	case res := <-done:
		return res.unused, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func fromTransaction(t models.Transaction) Settlement {
	return Settlement{
		ID:       t.ID,
		Sender:   t.FromAccount,
		Receiver: t.ToAccount,
		Amount:   t.Amount,
		Unused:   t.Unused,
		Used:     t.Amount.Sub(t.Unused),
		Outcome:  Outcome(t.Outcome),
		State:    StateSettled,
		Replayed: true,
	}
}
