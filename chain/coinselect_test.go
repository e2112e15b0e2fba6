package chain

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	wrapErrors "github.com/opencustody/custody_service/errors"
)

func makeCoins(values ...int64) []utxoCoin {
	coins := make([]utxoCoin, len(values))
	for i, v := range values {
		coins[i] = utxoCoin{
			outpoint: *wire.NewOutPoint(&chainhash.Hash{byte(i + 1)}, 0),
			value:    v,
		}
	}
	return coins
}

func TestSelectCoins_ExactSingleMatch(t *testing.T) {
	sel, err := selectCoins(makeCoins(1000, 2000, 3000), 2000)
	if err != nil {
		t.Fatalf("selectCoins: %v", err)
	}
	if sel.total != 2000 || sel.change != 0 {
		t.Errorf("total = %d change = %d, want 2000/0", sel.total, sel.change)
	}
	if len(sel.inputs) != 1 {
		t.Errorf("inputs = %d, want 1", len(sel.inputs))
	}
}

func TestSelectCoins_SmallestCoveringSingle(t *testing.T) {
	sel, err := selectCoins(makeCoins(500, 5000, 9000), 3000)
	if err != nil {
		t.Fatalf("selectCoins: %v", err)
	}
	if len(sel.inputs) != 1 || sel.inputs[0].value != 5000 {
		t.Errorf("selected %+v, want the single 5000 coin", sel.inputs)
	}
	if sel.change != 2000 {
		t.Errorf("change = %d, want 2000", sel.change)
	}
}

func TestSelectCoins_Accumulates(t *testing.T) {
	sel, err := selectCoins(makeCoins(1000, 1500, 2000), 4000)
	if err != nil {
		t.Fatalf("selectCoins: %v", err)
	}
	if sel.total < 4000 {
		t.Errorf("total = %d, want >= 4000", sel.total)
	}
	if len(sel.inputs) < 2 {
		t.Errorf("inputs = %d, want accumulation", len(sel.inputs))
	}
}

func TestSelectCoins_Insufficient(t *testing.T) {
	_, err := selectCoins(makeCoins(100, 200), 1000)
	if wrapErrors.CodeOf(err) != wrapErrors.InsufficientOnChainFunds {
		t.Fatalf("err = %v, want INSUFFICIENT_ONCHAIN_FUNDS", err)
	}
}

func TestSelectCoins_NoCoins(t *testing.T) {
	_, err := selectCoins(nil, 1000)
	if wrapErrors.CodeOf(err) != wrapErrors.InsufficientOnChainFunds {
		t.Fatalf("err = %v, want INSUFFICIENT_ONCHAIN_FUNDS", err)
	}
}

func TestSelectCoins_IgnoresZeroValue(t *testing.T) {
	sel, err := selectCoins(makeCoins(0, 0, 3000), 1000)
	if err != nil {
		t.Fatalf("selectCoins: %v", err)
	}
	for _, in := range sel.inputs {
		if in.value == 0 {
			t.Error("zero-value coin selected")
		}
	}
}
