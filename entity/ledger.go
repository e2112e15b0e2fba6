package entity

// LedgerEntry is the off-chain balance row for one (owner, asset) pair.
// Owner is a user id or CommonOwner for the pool. Balance is in integer
// base units of the asset (sat, wei-scaled, lamport); it never goes
// negative.
type LedgerEntry struct {
	ID      string `bson:"_id,omitempty" json:"id"`
	Owner   string `bson:"owner" json:"owner"`
	Asset   string `bson:"asset" json:"asset"`
	Balance int64  `bson:"balance" json:"balance"`
	// AppliedRefs records transfer ids whose mandatory credit has already
	// landed on this row, so replays are no-ops.
	AppliedRefs []string `bson:"applied_refs,omitempty" json:"-"`
}
