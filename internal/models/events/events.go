package events

import (
	"time"
)

// Topics events are published under.
const (
	TopicTransferCompleted  = "transfer.completed"
	TopicSettlementResolved = "settlement.resolved"
	TopicAccountRegistered  = "account.registered"
	TopicAccountClosed      = "account.closed"
)

// Amounts are carried as decimal strings.

type TransferCompleted struct {
	TransactionID string    `json:"transaction_id"`
	FromAccount   string    `json:"from_account"`
	ToAccount     string    `json:"to_account"`
	Amount        string    `json:"amount"`
	Memo          string    `json:"memo,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type SettlementResolved struct {
	SettlementID string    `json:"settlement_id"`
	FromAccount  string    `json:"from_account"`
	ToAccount    string    `json:"to_account"`
	Amount       string    `json:"amount"`
	Unused       string    `json:"unused_amount"`
	Outcome      string    `json:"outcome"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type AccountRegistered struct {
	AccountID  string    `json:"account_id"`
	Deposit    string    `json:"deposit"`
	OccurredAt time.Time `json:"occurred_at"`
}

type AccountClosed struct {
	AccountID  string    `json:"account_id"`
	Burned     string    `json:"burned"`
	Forced     bool      `json:"forced"`
	OccurredAt time.Time `json:"occurred_at"`
}
