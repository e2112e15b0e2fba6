// Package ledger is the off-chain balance book: (owner, asset) -> balance
// in integer base units, plus the pooled balance under the reserved common
// owner. Operations on the same key are linearizable; different keys never
// contend.
package ledger

import (
	"context"

	wrapErrors "github.com/opencustody/custody_service/errors"
)

type Store interface {
	// Balance returns 0 for unknown (owner, asset) pairs.
	Balance(ctx context.Context, owner, asset string) (int64, error)
	// TryDebit atomically decrements only when balance >= amount; returns
	// false with no mutation otherwise. Balances never go negative.
	TryDebit(ctx context.Context, owner, asset string, amount int64) (bool, error)
	// Credit atomically increments, creating the entry when absent.
	Credit(ctx context.Context, owner, asset string, amount int64) error
	// CreditOnce applies the credit identified by ref at most once, no
	// matter how often it is replayed. Returns false when ref was already
	// applied. Mandatory post-chain credits go through this so the
	// reconciler can retry them without double-crediting.
	CreditOnce(ctx context.Context, owner, asset string, amount int64, ref string) (bool, error)
}

func checkDebitAmount(amount int64) error {
	if amount <= 0 {
		return wrapErrors.New(wrapErrors.InvalidAmount, "debit amount must be positive")
	}
	return nil
}

func checkCreditAmount(amount int64) error {
	if amount < 0 {
		return wrapErrors.New(wrapErrors.InvalidAmount, "credit amount must be non-negative")
	}
	return nil
}

func checkCreditRef(ref string) error {
	if ref == "" {
		return wrapErrors.New(wrapErrors.InvalidTransferParams, "credit ref required")
	}
	return nil
}
