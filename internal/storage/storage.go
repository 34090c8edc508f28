// Package storage holds what every LedgerStore implementation shares:
// sentinel errors and the balance arithmetic of a posting.
package storage

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sheikh-saqib/token-settlement-ledger/internal/models"
	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrNegativeBalance     = errors.New("balance would become negative")
	ErrNonZeroBalance      = errors.New("closed account balance is not zero")
	ErrNegativeSupply      = errors.New("total supply would become negative")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDuplicateKey        = errors.New("idempotency key belongs to another transaction")
	ErrAlreadyIssued       = errors.New("supply has already been issued")
)

// Issues reports whether p carries an issuance entry.
func Issues(p models.Posting) bool {
	for _, e := range p.Entries {
		if e.Kind == models.EntryIssue {
			return true
		}
	}
	return false
}

// CheckIssue rejects a second issuance. issued is the store's persisted flag.
func CheckIssue(issued bool, p models.Posting) error {
	if issued && Issues(p) {
		return ErrAlreadyIssued
	}
	return nil
}

// Accounts returns the distinct accounts a posting touches, sorted.
func Accounts(p models.Posting) []string {
	seen := make(map[string]struct{}, len(p.Entries)+1)
	for _, e := range p.Entries {
		seen[e.AccountID] = struct{}{}
	}
	if p.CloseAccount != "" {
		seen[p.CloseAccount] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Plan computes the balances that result from applying p to the current
// balances of the accounts it touches. current must hold every account from
// Accounts(p); a missing one is reported as ErrAccountNotFound.
func Plan(current map[string]decimal.Decimal, supply decimal.Decimal, p models.Posting) (map[string]decimal.Decimal, decimal.Decimal, error) {
	next := make(map[string]decimal.Decimal, len(current))
	for _, id := range Accounts(p) {
		balance, ok := current[id]
		if !ok {
			return nil, supply, fmt.Errorf("%s: %w", id, ErrAccountNotFound)
		}
		next[id] = balance
	}

	for _, e := range p.Entries {
		next[e.AccountID] = next[e.AccountID].Add(e.Amount)
	}
	for id, balance := range next {
		if balance.IsNegative() {
			return nil, supply, fmt.Errorf("%s: %w", id, ErrNegativeBalance)
		}
	}
	if p.CloseAccount != "" && !next[p.CloseAccount].IsZero() {
		return nil, supply, fmt.Errorf("%s: %w", p.CloseAccount, ErrNonZeroBalance)
	}

	newSupply := supply.Add(p.SupplyDelta())
	if newSupply.IsNegative() {
		return nil, supply, ErrNegativeSupply
	}
	return next, newSupply, nil
}
