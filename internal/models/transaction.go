package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind distinguishes plain transfers from notified ones.
type TransactionKind string

const (
	KindTransfer     TransactionKind = "transfer"
	KindTransferCall TransactionKind = "transfer_call"
)

// Transaction represents an intent to transfer tokens, recorded once it commits.
type Transaction struct {
	ID             string
	IdempotencyKey string
	Kind           TransactionKind
	FromAccount    string
	ToAccount      string
	Amount         decimal.Decimal
	Unused         decimal.Decimal // refunded part of a transfer_call
	Outcome        string          // settlement outcome of a transfer_call
	CreatedAt      time.Time
}

// Posting is the unit of atomic change applied by a LedgerStore.
//
// Entries are applied together: every entry's account must exist, no balance may
// go negative, and the total supply moves by the sum of the entry amounts. When
// CloseAccount is set that account is removed after the entries apply and must
// end at a zero balance.
type Posting struct {
	Transaction  *Transaction
	Entries      []LedgerEntry
	CloseAccount string
}

// SupplyDelta is the change to total supply caused by the posting.
func (p Posting) SupplyDelta() decimal.Decimal {
	delta := decimal.Zero
	for _, e := range p.Entries {
		delta = delta.Add(e.Amount)
	}
	return delta
}
