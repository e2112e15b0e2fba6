package entity

import (
	"time"
)

// ChainWallet is one derived deposit wallet per (user, chain).
// Private key material is never stored; it is re-derived from the user's
// seed inside the signing path.
type ChainWallet struct {
	ID        string    `bson:"_id,omitempty" json:"id"`
	UserID    string    `bson:"user_id" json:"user_id"`
	Chain     string    `bson:"chain" json:"chain"` // btc / eth / sol
	Address   string    `bson:"address" json:"address"`
	Index     uint32    `bson:"index" json:"index"` // derivation index
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// SeedRecord is the encrypted-at-rest seed owned by the custody boundary.
// SaltMeta packs KDF algorithm + iterations + hex salt in one string so the
// schema survives KDF parameter changes.
type SeedRecord struct {
	ID            string    `bson:"_id,omitempty"`
	UserID        string    `bson:"user_id"`
	EncryptedSeed []byte    `bson:"encrypted_seed"`
	SaltMeta      string    `bson:"salt_meta"`
	CreatedAt     time.Time `bson:"created_at"`
}

// CommonAccount is the pooled platform wallet for one chain. Its key is
// derived from the platform seed (the reserved CommonOwner user), so only
// the address row is persisted.
type CommonAccount struct {
	ID        string    `bson:"_id,omitempty" json:"id"`
	Chain     string    `bson:"chain" json:"chain"`
	Address   string    `bson:"address" json:"address"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// CommonOwner is the reserved user id that owns platform seeds and the
// pooled ledger balance.
const CommonOwner = "__common__"
