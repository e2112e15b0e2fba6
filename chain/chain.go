package chain

import (
	"context"
)

// ChainID selects an adapter. Dispatch is always by id, never by the shape
// of a wallet object.
type ChainID string

const (
	BTC ChainID = "btc"
	ETH ChainID = "eth"
	SOL ChainID = "sol"
)

// Keypair is a scoped handle for derived key material. The raw bytes stay
// unexported; adapters in this package read them inside the signing call
// and callers Wipe on every exit path. Key bytes must never reach logs or
// error strings.
type Keypair struct {
	Address string
	priv    []byte
}

func NewKeypair(address string, priv []byte) *Keypair {
	cp := make([]byte, len(priv))
	copy(cp, priv)
	return &Keypair{Address: address, priv: cp}
}

func (k *Keypair) Wipe() {
	if k == nil {
		return
	}
	for i := range k.priv {
		k.priv[i] = 0
	}
	k.priv = nil
}

// UnsignedTx is an adapter-internal transaction awaiting signature. Its
// wire shape is chain-protocol-defined; callers only thread it from
// BuildTransaction into SignAndSubmit.
type UnsignedTx interface {
	Chain() ChainID
}

// Adapter is the uniform per-chain contract: derive a keypair from seed
// material, build an unsigned transfer, sign and broadcast it.
// DeriveKeypair and BuildTransaction are pure over their inputs (Build may
// read node state but changes nothing); SignAndSubmit is the single
// externally-effectful operation.
type Adapter interface {
	ID() ChainID
	DeriveKeypair(seed []byte, index uint32) (*Keypair, error)
	BuildTransaction(ctx context.Context, fromAddress, toAddress string, amount int64) (UnsignedTx, error)
	SignAndSubmit(ctx context.Context, tx UnsignedTx, key *Keypair) (string, error)
}
