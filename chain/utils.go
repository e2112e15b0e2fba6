package chain

import (
	"errors"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

func parseDerivationPath(path string) ([]uint32, error) {
	if path == "" {
		return nil, errors.New("empty path")
	}
	if !strings.HasPrefix(path, "m/") {
		return nil, errors.New("path must start with m/")
	}

	parts := strings.Split(path[2:], "/")
	var indices []uint32
	for _, p := range parts {
		hardened := false
		if strings.HasSuffix(p, "'") {
			hardened = true
			p = strings.TrimSuffix(p, "'")
		}
		num, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		if num < 0 {
			return nil, errors.New("negative index not allowed")
		}
		if hardened {
			num += hdkeychain.HardenedKeyStart
		}
		indices = append(indices, uint32(num))
	}
	return indices, nil
}

// deriveExtendedKey walks a BIP-32 path from seed. Used by the secp256k1
// chains (btc, eth); the ed25519 chain has its own hardened-only scheme.
func deriveExtendedKey(seed []byte, path string, params *chaincfg.Params) (*hdkeychain.ExtendedKey, error) {
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, err
	}

	indices, err := parseDerivationPath(path)
	if err != nil {
		return nil, err
	}

	key := master
	for _, idx := range indices {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, err
		}
	}
	return key, nil
}
