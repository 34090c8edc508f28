package settlement

import (
	"fmt"

	apperrors "github.com/sheikh-saqib/token-settlement-ledger/internal/errors"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/ledger"
	"github.com/sheikh-saqib/token-settlement-ledger/internal/models"
	"github.com/shopspring/decimal"
)

// State is the position of an intent in the settlement protocol.
type State int

const (
	StatePending State = iota
	StateOptimisticSettled
	StateNotified
	StateSettled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOptimisticSettled:
		return "optimistic_settled"
	case StateNotified:
		return "notified"
	case StateSettled:
		return "settled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// next is the only legal successor of each non-terminal state.
var next = map[State]State{
	StatePending:           StateOptimisticSettled,
	StateOptimisticSettled: StateNotified,
	StateNotified:          StateSettled,
}

// Outcome is how the receiver responded to the notification.
type Outcome string

const (
	OutcomeAccepted    Outcome = "accepted"    // valid unused amount returned
	OutcomeMalformed   Outcome = "malformed"   // response not an amount in [0, amount]
	OutcomeFailed      Outcome = "failed"      // receiver errored, panicked or timed out
	OutcomeUnreachable Outcome = "unreachable" // no receiver contract to call
)

// FullRefund reports whether the outcome sends the whole amount back.
func (o Outcome) FullRefund() bool {
	return o != OutcomeAccepted
}

// intent tracks one transfer_and_notify call through the protocol. It only
// lives for the duration of the call.
type intent struct {
	id       string
	sender   string
	receiver string
	amount   decimal.Decimal
	message  string
	memo     string

	idempotencyKey string

	state        State
	compensation ledger.Movement     // the optimistic move, recorded before the receiver runs
	record       *models.Transaction // written with the optimistic move, settled at reconciliation
	outcome      Outcome
	unused       decimal.Decimal
	cause        error
}

func (in *intent) advance(to State) error {
	want, ok := next[in.state]
	if !ok || want != to {
		return apperrors.WithMetadata(apperrors.CodeInternal, "invalid settlement transition",
			map[string]string{"from": in.state.String(), "to": to.String(), "settlement_id": in.id})
	}
	in.state = to
	return nil
}

// optimistic records the move about to be applied and enters OptimisticSettled.
func (in *intent) optimistic(m ledger.Movement) error {
	if err := in.advance(StateOptimisticSettled); err != nil {
		return err
	}
	in.compensation = m
	return nil
}

// notified stores the receiver outcome and enters Notified. Any outcome other
// than Accepted marks the whole amount as unused.
func (in *intent) notified(outcome Outcome, unused decimal.Decimal, cause error) error {
	if err := in.advance(StateNotified); err != nil {
		return err
	}
	in.outcome = outcome
	in.cause = cause
	if outcome.FullRefund() {
		in.unused = in.amount
	} else {
		in.unused = unused
	}
	return nil
}

// reconciliation returns the move that settles the intent given the receiver's
// current balance. A full refund is the exact inverse of the optimistic move.
func (in *intent) reconciliation(receiverBalance decimal.Decimal) ledger.Movement {
	var m ledger.Movement
	if in.outcome.FullRefund() {
		m = in.compensation.Inverse()
	} else {
		m = ledger.Movement{
			TransactionID: in.id,
			From:          in.receiver,
			To:            in.sender,
			Amount:        in.unused,
			Memo:          in.memo,
			Refund:        true,
		}
	}
	m.Amount = models.MinAmount(m.Amount, receiverBalance)
	return m
}

// settled enters the terminal state with the refund actually applied.
func (in *intent) settled(refunded decimal.Decimal) error {
	if err := in.advance(StateSettled); err != nil {
		return err
	}
	in.unused = refunded
	return nil
}

func (in *intent) result() Settlement {
	return Settlement{
		ID:       in.id,
		Sender:   in.sender,
		Receiver: in.receiver,
		Amount:   in.amount,
		Unused:   in.unused,
		Used:     in.amount.Sub(in.unused),
		Outcome:  in.outcome,
		State:    in.state,
	}
}
