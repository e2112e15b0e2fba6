package chain

import "strings"

// ForAsset maps a ledger asset id to the chain that custodies it. Only
// native coins for now; token assets would map onto their host chain here.
func ForAsset(asset string) (ChainID, bool) {
	switch strings.ToUpper(asset) {
	case "BTC":
		return BTC, true
	case "ETH":
		return ETH, true
	case "SOL":
		return SOL, true
	}
	return "", false
}
