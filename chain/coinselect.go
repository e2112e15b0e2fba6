package chain

import (
	"sort"

	"github.com/btcsuite/btcd/wire"

	wrapErrors "github.com/opencustody/custody_service/errors"
)

// utxoCoin is a spendable output of the sweeping wallet.
type utxoCoin struct {
	outpoint wire.OutPoint
	value    int64
	pkScript []byte
}

type coinSelection struct {
	inputs []utxoCoin
	total  int64
	change int64
}

// selectCoins funds target satoshi from the given coins. Two strategies:
// the smallest single coin covering target, or largest-first accumulation;
// whichever wastes less change wins.
func selectCoins(coins []utxoCoin, target int64) (*coinSelection, error) {
	candidates := make([]utxoCoin, 0, len(coins))
	for _, c := range coins {
		if c.value > 0 {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 || target <= 0 {
		return nil, wrapErrors.New(wrapErrors.InsufficientOnChainFunds, "no spendable outputs")
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].value < candidates[j].value
	})

	var single *coinSelection
	for _, c := range candidates {
		if c.value >= target {
			single = &coinSelection{
				inputs: []utxoCoin{c},
				total:  c.value,
				change: c.value - target,
			}
			break // sorted ascending, first match is smallest
		}
	}

	var accum *coinSelection
	var selected []utxoCoin
	var total int64
	for i := len(candidates) - 1; i >= 0; i-- {
		selected = append(selected, candidates[i])
		total += candidates[i].value
		if total >= target {
			accum = &coinSelection{
				inputs: selected,
				total:  total,
				change: total - target,
			}
			break
		}
	}

	switch {
	case single == nil && accum == nil:
		return nil, wrapErrors.New(wrapErrors.InsufficientOnChainFunds, "outputs do not cover amount plus fee")
	case single == nil:
		return accum, nil
	case accum == nil:
		return single, nil
	case single.change <= accum.change:
		return single, nil
	default:
		return accum, nil
	}
}
