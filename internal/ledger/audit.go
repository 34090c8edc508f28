package ledger

import (
	"context"

	apperrors "github.com/sheikh-saqib/token-settlement-ledger/internal/errors"
	"github.com/shopspring/decimal"
)

const auditAttempts = 3

// AuditReport compares the sum of all balances with total supply.
type AuditReport struct {
	Accounts    int
	BalanceSum  decimal.Decimal
	TotalSupply decimal.Decimal
}

// Balanced reports whether the balances add up to total supply.
func (r AuditReport) Balanced() bool {
	return r.BalanceSum.Equal(r.TotalSupply)
}

// Audit locks every registered account and checks that balances sum to total
// supply. If the account set changes while locks are being taken the audit
// starts over, a bounded number of times.
func (l *Ledger) Audit(ctx context.Context) (AuditReport, error) {
	for attempt := 0; attempt < auditAttempts; attempt++ {
		ids, err := l.accountIDs(ctx)
		if err != nil {
			return AuditReport{}, err
		}

		var report AuditReport
		stable := true
		err = l.WithAccounts(ctx, ids, func(tx *Tx) error {
			current, err := l.accountIDs(ctx)
			if err != nil {
				return err
			}
			if !sameIDs(ids, current) {
				stable = false
				return nil
			}

			report = AuditReport{BalanceSum: decimal.Zero}
			for _, id := range ids {
				balance, err := tx.Balance(id)
				if err != nil {
					return err
				}
				report.Accounts++
				report.BalanceSum = report.BalanceSum.Add(balance)
			}
			report.TotalSupply, err = l.TotalSupply(ctx)
			return err
		})
		if err != nil {
			return AuditReport{}, err
		}
		if stable {
			return report, nil
		}
	}
	return AuditReport{}, apperrors.New(apperrors.CodeInternal, "account set kept changing during audit")
}

func (l *Ledger) accountIDs(ctx context.Context) ([]string, error) {
	accounts, err := l.registry.Store().ListAccounts(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "list accounts", err)
	}
	ids := make([]string, len(accounts))
	for i, a := range accounts {
		ids[i] = a.ID
	}
	return ids, nil
}

// sameIDs compares two sorted id lists.
func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
