package domain

import (
	"bytes"
	"context"
	"errors"
	"testing"

	bip39 "github.com/tyler-smith/go-bip39"

	"github.com/opencustody/custody_service/chain"
	"github.com/opencustody/custody_service/config"
	wrapErrors "github.com/opencustody/custody_service/errors"
)

// Standard BIP-39 test mnemonic.
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func testDeriver() *Deriver {
	return NewDeriver(
		chain.NewBTCChain(nil, config.BtcConfig{MainNet: true}),
		chain.NewETHChainWithNode(nil, 1, 1),
		chain.NewSOLChain(nil),
	)
}

func TestDeriveWallets_Deterministic(t *testing.T) {
	seed := bip39.NewSeed(testMnemonic, "")
	d := testDeriver()

	first, err := d.DeriveWallets(seed)
	if err != nil {
		t.Fatalf("DeriveWallets: %v", err)
	}
	second, err := d.DeriveWallets(seed)
	if err != nil {
		t.Fatalf("DeriveWallets: %v", err)
	}

	if len(first) != 3 {
		t.Fatalf("wallets = %d, want 3", len(first))
	}
	for id, kp := range first {
		other, ok := second[id]
		if !ok {
			t.Fatalf("chain %s missing on second run", id)
		}
		if kp.Address != other.Address {
			t.Errorf("%s address differs across runs: %s vs %s", id, kp.Address, other.Address)
		}
	}
}

func TestDeriveWallets_KnownVectors(t *testing.T) {
	seed := bip39.NewSeed(testMnemonic, "")
	wallets, err := testDeriver().DeriveWallets(seed)
	if err != nil {
		t.Fatalf("DeriveWallets: %v", err)
	}

	// Published BIP-44 vectors for the test mnemonic.
	if got := wallets[chain.ETH].Address; got != "0x9858EfFD232B4033E47d90003D41EC34EcaEda94" {
		t.Errorf("eth address = %s", got)
	}
	if got := wallets[chain.BTC].Address; got != "1LqBGSKuX5yYUonjxT5qGfpUsXKYYWeabA" {
		t.Errorf("btc address = %s", got)
	}
}

func TestDeriveWallets_DistinctAcrossChains(t *testing.T) {
	seed := bip39.NewSeed(testMnemonic, "")
	wallets, err := testDeriver().DeriveWallets(seed)
	if err != nil {
		t.Fatalf("DeriveWallets: %v", err)
	}
	seen := map[string]chain.ChainID{}
	for id, kp := range wallets {
		if prev, dup := seen[kp.Address]; dup {
			t.Errorf("address %s shared by %s and %s", kp.Address, prev, id)
		}
		seen[kp.Address] = id
	}
}

func TestDeriveWallets_RejectsWeakSeed(t *testing.T) {
	_, err := testDeriver().DeriveWallets([]byte("short"))
	if wrapErrors.CodeOf(err) != wrapErrors.InvalidSeed {
		t.Fatalf("err = %v, want INVALID_SEED", err)
	}
}

type failingAdapter struct{}

func (failingAdapter) ID() chain.ChainID { return chain.ChainID("bad") }
func (failingAdapter) DeriveKeypair(seed []byte, index uint32) (*chain.Keypair, error) {
	return nil, errors.New("boom")
}
func (failingAdapter) BuildTransaction(ctx context.Context, from, to string, amount int64) (chain.UnsignedTx, error) {
	return nil, errors.New("boom")
}
func (failingAdapter) SignAndSubmit(ctx context.Context, tx chain.UnsignedTx, key *chain.Keypair) (string, error) {
	return "", errors.New("boom")
}

// One failing chain must abort the whole set: no partial wallet maps.
func TestDeriveWallets_AtomicOnFailure(t *testing.T) {
	seed := bip39.NewSeed(testMnemonic, "")
	d := NewDeriver(
		chain.NewBTCChain(nil, config.BtcConfig{MainNet: true}),
		failingAdapter{},
	)

	wallets, err := d.DeriveWallets(seed)
	if err == nil {
		t.Fatal("expected error")
	}
	if wallets != nil {
		t.Fatalf("got partial wallet set of %d entries", len(wallets))
	}
}

func TestDeriveWallets_SeedPrefixChangesEverything(t *testing.T) {
	seedA := bip39.NewSeed(testMnemonic, "")
	seedB := bip39.NewSeed(testMnemonic, "different-passphrase")
	if bytes.Equal(seedA, seedB) {
		t.Fatal("test seeds should differ")
	}

	d := testDeriver()
	a, err := d.DeriveWallets(seedA)
	if err != nil {
		t.Fatal(err)
	}
	b, err := d.DeriveWallets(seedB)
	if err != nil {
		t.Fatal(err)
	}
	for id := range a {
		if a[id].Address == b[id].Address {
			t.Errorf("%s address identical for different seeds", id)
		}
	}
}
