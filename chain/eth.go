package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/opencustody/custody_service/config"
	wrapErrors "github.com/opencustody/custody_service/errors"
)

// ETHNode is the slice of ethclient the adapter uses.
type ETHNode interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

type ETHChain struct {
	node    ETHNode
	chainID *big.Int
	limiter *rate.Limiter
}

func NewETHChain(cfg config.EthConfig) (*ETHChain, error) {
	client, err := ethclient.Dial(cfg.RPC)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.DailChain, "eth dial", err)
	}
	return NewETHChainWithNode(client, cfg.ChainID, cfg.SendsPerSec), nil
}

func NewETHChainWithNode(node ETHNode, chainID int64, sendsPerSec float64) *ETHChain {
	if sendsPerSec <= 0 {
		sendsPerSec = 5
	}
	return &ETHChain{
		node:    node,
		chainID: big.NewInt(chainID),
		limiter: rate.NewLimiter(rate.Limit(sendsPerSec), 1),
	}
}

func (e *ETHChain) ID() ChainID { return ETH }

// DeriveKeypair derives m/44'/60'/0'/0/index. hdkeychain does not care
// about the eth network; mainnet params only shape the xprv encoding.
func (e *ETHChain) DeriveKeypair(seed []byte, index uint32) (*Keypair, error) {
	path := fmt.Sprintf("m/44'/60'/0'/0/%d", index)
	key, err := deriveExtendedKey(seed, path, &chaincfg.MainNetParams)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.DerivationErr, "eth derive", err)
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.DerivationErr, "eth ec privkey", err)
	}
	privBytes := priv.Serialize()
	ecdsaKey, err := crypto.ToECDSA(privBytes)
	if err != nil {
		for i := range privBytes {
			privBytes[i] = 0
		}
		return nil, wrapErrors.WrapWithCode(wrapErrors.DerivationErr, "eth to ecdsa", err)
	}
	addr := crypto.PubkeyToAddress(ecdsaKey.PublicKey)
	kp := NewKeypair(addr.Hex(), privBytes)
	for i := range privBytes {
		privBytes[i] = 0
	}
	return kp, nil
}

type ethUnsignedTx struct {
	tx *types.Transaction
}

func (t *ethUnsignedTx) Chain() ChainID { return ETH }

// BuildTransaction assembles a plain value transfer as a DynamicFeeTx with
// a fee cap of twice the current base fee plus the suggested tip.
func (e *ETHChain) BuildTransaction(ctx context.Context, fromAddress, toAddress string, amount int64) (UnsignedTx, error) {
	if amount <= 0 {
		return nil, wrapErrors.New(wrapErrors.InvalidTransferParams, "amount must be positive")
	}
	if !common.IsHexAddress(fromAddress) {
		return nil, wrapErrors.New(wrapErrors.InvalidTransferParams, "from address malformed")
	}
	if !common.IsHexAddress(toAddress) {
		return nil, wrapErrors.New(wrapErrors.InvalidTransferParams, "to address malformed")
	}

	from := common.HexToAddress(fromAddress)
	nonce, err := e.node.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.DailChain, "PendingNonceAt", err)
	}

	tip, err := e.node.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.DailChain, "SuggestGasTipCap", err)
	}

	header, err := e.node.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.DailChain, "HeaderByNumber", err)
	}

	// fee cap: 2x base fee leaves buffer for the next blocks.
	feeCap := new(big.Int).Add(
		new(big.Int).Mul(header.BaseFee, big.NewInt(2)),
		tip,
	)

	toAddr := common.HexToAddress(toAddress)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   e.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       21000,
		To:        &toAddr,
		Value:     big.NewInt(amount),
	})

	return &ethUnsignedTx{tx: tx}, nil
}

func (e *ETHChain) SignAndSubmit(ctx context.Context, tx UnsignedTx, key *Keypair) (string, error) {
	utx, ok := tx.(*ethUnsignedTx)
	if !ok {
		return "", wrapErrors.New(wrapErrors.InvalidTransferParams, "not an eth transaction")
	}

	priv, err := crypto.ToECDSA(key.priv)
	if err != nil {
		return "", wrapErrors.WrapWithCode(wrapErrors.SignerErr, "eth privkey", err)
	}

	signer := types.NewLondonSigner(e.chainID)
	signedTx, err := types.SignTx(utx.tx, signer, priv)
	if err != nil {
		return "", wrapErrors.WrapWithCode(wrapErrors.SignerErr, "SignTx", err)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return "", err
	}
	if err := e.node.SendTransaction(ctx, signedTx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// The node may have accepted the transaction; the outcome is
			// unknown, not failed.
			return "", wrapErrors.WrapWithCode(wrapErrors.SubmissionUnknown, "SendTransaction", err)
		}
		return "", wrapErrors.WrapWithCode(wrapErrors.SubmissionErr, "SendTransaction", err)
	}

	return signedTx.Hash().Hex(), nil
}
