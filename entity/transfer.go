package entity

import "time"

// Transfer directions.
const (
	DirectionDeposit    = "deposit-sweep"
	DirectionWithdrawal = "withdrawal"
)

// Transfer states. A result row in StateOnChainSubmitted with
// LedgerApplied=false is a durable marker the reconciler replays until the
// ledger credit sticks.
const (
	StateInitiated       = "INITIATED"
	StateOnChainSub      = "ON_CHAIN_SUBMITTED"
	StateLedgerApplied   = "LEDGER_APPLIED"
	StateComplete        = "COMPLETE"
	StateFailedPrecheck  = "FAILED_PRECHECK"
	StateFailedOnChain   = "FAILED_ON_CHAIN"
	StateFailedReconcile = "FAILED_LEDGER_RECONCILE"
)

// TransferResult is the audit + idempotency record for one orchestration.
type TransferResult struct {
	ID          string `bson:"_id,omitempty" json:"id"`
	UserID      string `bson:"user_id" json:"user_id"`
	Asset       string `bson:"asset" json:"asset"`
	Chain       string `bson:"chain" json:"chain"`
	Direction   string `bson:"direction" json:"direction"`
	Amount      int64  `bson:"amount" json:"amount"`
	Destination string `bson:"destination,omitempty" json:"destination,omitempty"`

	TxRef         string `bson:"tx_ref,omitempty" json:"tx_ref,omitempty"`
	State         string `bson:"state" json:"state"`
	LedgerApplied bool   `bson:"ledger_applied" json:"ledger_applied"`
	// TxUnknown marks a submission whose outcome timed out; the reconciler
	// must resolve it against chain state, never assume it was lost.
	TxUnknown bool `bson:"tx_unknown" json:"tx_unknown"`
	// CompensationDue marks a withdrawal whose debit must be re-credited.
	CompensationDue bool `bson:"compensation_due" json:"compensation_due"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}
