package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind classifies a journal entry.
type EntryKind string

const (
	EntryIssue        EntryKind = "issue"
	EntryDebit        EntryKind = "debit"
	EntryCredit       EntryKind = "credit"
	EntryRefundDebit  EntryKind = "refund_debit"
	EntryRefundCredit EntryKind = "refund_credit"
	EntryBurn         EntryKind = "burn"
)

// LedgerEntry represents a single ledger record for an account
type LedgerEntry struct {
	ID            string          // unique identifier
	TransactionID string          // transaction this entry belongs to
	AccountID     string          // which account this entry belongs to
	Kind          EntryKind       // why the balance moved
	Amount        decimal.Decimal // signed: negative for debits
	Memo          string
	CreatedAt     time.Time
}
