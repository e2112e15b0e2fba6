package domain

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/opencustody/custody_service/chain"
	wrapErrors "github.com/opencustody/custody_service/errors"
)

// MinSeedBytes is the platform-mandated minimum seed strength. BIP-39
// seeds are 64 bytes; anything under 32 is rejected outright.
const MinSeedBytes = 32

// Deriver produces one keypair per supported chain from a single seed.
// Each adapter owns a fixed, chain-specific derivation path (distinct coin
// types), so keys never collide across chains sharing a curve.
type Deriver struct {
	adapters map[chain.ChainID]chain.Adapter
}

func NewDeriver(adapters ...chain.Adapter) *Deriver {
	m := make(map[chain.ChainID]chain.Adapter, len(adapters))
	for _, a := range adapters {
		m[a.ID()] = a
	}
	return &Deriver{adapters: m}
}

func (d *Deriver) Adapter(id chain.ChainID) (chain.Adapter, bool) {
	a, ok := d.adapters[id]
	return a, ok
}

// DeriveWallets derives the index-0 keypair for every supported chain.
// All-or-nothing: a failure on any chain wipes everything derived so far
// and returns the error, so a user never ends up with wallets for some
// assets and not others. Same seed in, byte-identical wallets out.
func (d *Deriver) DeriveWallets(seed []byte) (map[chain.ChainID]*chain.Keypair, error) {
	if len(seed) < MinSeedBytes {
		return nil, wrapErrors.New(wrapErrors.InvalidSeed, "seed below minimum strength")
	}

	var mu sync.Mutex
	out := make(map[chain.ChainID]*chain.Keypair, len(d.adapters))

	var g errgroup.Group
	for id, adapter := range d.adapters {
		g.Go(func() error {
			kp, err := adapter.DeriveKeypair(seed, 0)
			if err != nil {
				return wrapErrors.WrapWithCode(wrapErrors.DerivationErr, string(id), err)
			}
			mu.Lock()
			out[id] = kp
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		WipeAll(out)
		return nil, err
	}
	return out, nil
}

// WipeAll clears every keypair in a derived wallet set.
func WipeAll(wallets map[chain.ChainID]*chain.Keypair) {
	for _, kp := range wallets {
		kp.Wipe()
	}
}
