package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/opencustody/custody_service/config"
	wrapErrors "github.com/opencustody/custody_service/errors"
)

// Outputs below this are not worth creating as change.
const btcDustLimit = 546

// BTCNode is the slice of node RPC the adapter needs. Satisfied by RPCNode
// in production and by fakes in tests.
type BTCNode interface {
	ListUnspent(addr btcutil.Address) ([]btcjson.ListUnspentResult, error)
	Broadcast(tx *wire.MsgTx) (string, error)
}

// RPCNode wraps a bitcoind/btcd JSON-RPC client.
type RPCNode struct {
	client *rpcclient.Client
}

func NewRPCNode(cfg config.BtcConfig) (*RPCNode, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.RPCHost,
		User:         cfg.RPCUser,
		Pass:         cfg.RPCPass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.DailChain, "btc dial", err)
	}
	return &RPCNode{client: client}, nil
}

func (n *RPCNode) ListUnspent(addr btcutil.Address) ([]btcjson.ListUnspentResult, error) {
	return n.client.ListUnspentMinMaxAddresses(1, 9999999, []btcutil.Address{addr})
}

func (n *RPCNode) Broadcast(tx *wire.MsgTx) (string, error) {
	h, err := n.client.SendRawTransaction(tx, false)
	if err != nil {
		return "", err
	}
	return h.String(), nil
}

type BTCChain struct {
	node    BTCNode
	params  *chaincfg.Params
	feeSats int64
}

func NewBTCChain(node BTCNode, cfg config.BtcConfig) *BTCChain {
	params := &chaincfg.TestNet3Params
	if cfg.MainNet {
		params = &chaincfg.MainNetParams
	}
	return &BTCChain{node: node, params: params, feeSats: cfg.FeeSats}
}

func (b *BTCChain) ID() ChainID { return BTC }

// DeriveKeypair derives m/44'/0'/0'/0/index and returns the P2PKH address
// plus the 32-byte private key.
func (b *BTCChain) DeriveKeypair(seed []byte, index uint32) (*Keypair, error) {
	path := fmt.Sprintf("m/44'/0'/0'/0/%d", index)
	key, err := deriveExtendedKey(seed, path, b.params)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.DerivationErr, "btc derive", err)
	}

	addr, err := key.Address(b.params)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.DerivationErr, "btc address", err)
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.DerivationErr, "btc ec privkey", err)
	}
	privBytes := priv.Serialize()
	kp := NewKeypair(addr.EncodeAddress(), privBytes)
	for i := range privBytes {
		privBytes[i] = 0
	}
	return kp, nil
}

type btcUnsignedTx struct {
	msg         *wire.MsgTx
	prevScripts [][]byte
}

func (t *btcUnsignedTx) Chain() ChainID { return BTC }

// BuildTransaction selects unspent outputs of fromAddress covering
// amount+fee and assembles a P2PKH spend with change back to the sender.
func (b *BTCChain) BuildTransaction(ctx context.Context, fromAddress, toAddress string, amount int64) (UnsignedTx, error) {
	if amount <= 0 {
		return nil, wrapErrors.New(wrapErrors.InvalidTransferParams, "amount must be positive")
	}
	from, err := btcutil.DecodeAddress(fromAddress, b.params)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.InvalidTransferParams, "from address", err)
	}
	to, err := btcutil.DecodeAddress(toAddress, b.params)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.InvalidTransferParams, "to address", err)
	}
	if !to.IsForNet(b.params) {
		return nil, wrapErrors.New(wrapErrors.InvalidTransferParams, "to address wrong network")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unspent, err := b.node.ListUnspent(from)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.DailChain, "list unspent", err)
	}

	coins := make([]utxoCoin, 0, len(unspent))
	for _, u := range unspent {
		if !u.Spendable {
			continue
		}
		txid, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			continue
		}
		script, err := hex.DecodeString(u.ScriptPubKey)
		if err != nil {
			continue
		}
		sats, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			continue
		}
		coins = append(coins, utxoCoin{
			outpoint: *wire.NewOutPoint(txid, u.Vout),
			value:    int64(sats),
			pkScript: script,
		})
	}

	sel, err := selectCoins(coins, amount+b.feeSats)
	if err != nil {
		return nil, err
	}

	msg := wire.NewMsgTx(wire.TxVersion)
	prevScripts := make([][]byte, 0, len(sel.inputs))
	for _, in := range sel.inputs {
		msg.AddTxIn(wire.NewTxIn(&in.outpoint, nil, nil))
		prevScripts = append(prevScripts, in.pkScript)
	}

	toScript, err := txscript.PayToAddrScript(to)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.InvalidTransferParams, "to script", err)
	}
	msg.AddTxOut(wire.NewTxOut(amount, toScript))

	if sel.change > btcDustLimit {
		changeScript, err := txscript.PayToAddrScript(from)
		if err != nil {
			return nil, wrapErrors.WrapWithCode(wrapErrors.InvalidTransferParams, "change script", err)
		}
		msg.AddTxOut(wire.NewTxOut(sel.change, changeScript))
	}

	return &btcUnsignedTx{msg: msg, prevScripts: prevScripts}, nil
}

func (b *BTCChain) SignAndSubmit(ctx context.Context, tx UnsignedTx, key *Keypair) (string, error) {
	utx, ok := tx.(*btcUnsignedTx)
	if !ok {
		return "", wrapErrors.New(wrapErrors.InvalidTransferParams, "not a btc transaction")
	}

	privKey, _ := btcec.PrivKeyFromBytes(key.priv)
	for i := range utx.msg.TxIn {
		sigScript, err := txscript.SignatureScript(utx.msg, i, utx.prevScripts[i], txscript.SigHashAll, privKey, true)
		if err != nil {
			privKey.Zero()
			return "", wrapErrors.WrapWithCode(wrapErrors.SignerErr, "btc sign input", err)
		}
		utx.msg.TxIn[i].SignatureScript = sigScript
	}
	privKey.Zero()

	// Nothing has left this process yet; a cancelled context here is a
	// plain abort, not an unknown outcome.
	if err := ctx.Err(); err != nil {
		return "", err
	}

	type outcome struct {
		txid string
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		txid, err := b.node.Broadcast(utx.msg)
		ch <- outcome{txid: txid, err: err}
	}()

	select {
	case <-ctx.Done():
		// The broadcast is in flight and may still land on the node.
		return "", wrapErrors.WrapWithCode(wrapErrors.SubmissionUnknown, "btc broadcast", ctx.Err())
	case out := <-ch:
		if out.err == nil {
			return out.txid, nil
		}
		if txAlreadyKnown(out.err) {
			// The node already has the transaction; the txid is
			// deterministic, so this broadcast succeeded earlier.
			return utx.msg.TxHash().String(), nil
		}
		if isTransportTimeout(out.err) {
			return "", wrapErrors.WrapWithCode(wrapErrors.SubmissionUnknown, "btc broadcast", out.err)
		}
		return "", wrapErrors.WrapWithCode(wrapErrors.SubmissionErr, "btc broadcast", out.err)
	}
}

// txAlreadyKnown reports whether the node rejected the broadcast because
// it already holds the transaction, in mempool or in a block.
func txAlreadyKnown(err error) bool {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCTxAlreadyInChain {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already in block chain") ||
		strings.Contains(msg, "already in mempool") ||
		strings.Contains(msg, "already known") ||
		strings.Contains(msg, "already have transaction")
}

// isTransportTimeout reports whether the error is a network timeout, in
// which case the node may have received and relayed the transaction.
func isTransportTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
