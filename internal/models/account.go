package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a registration record. The balance lives inside the record,
// so an account that is not registered can never hold a balance.
type Account struct {
	ID             string
	Balance        decimal.Decimal
	StorageDeposit decimal.Decimal // deposit locked for storage, returned on close
	RegisteredAt   time.Time
}

// StorageBalance is the storage deposit held for a registered account.
type StorageBalance struct {
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
}

// StorageBounds describes the deposit range accepted by registration.
type StorageBounds struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}
