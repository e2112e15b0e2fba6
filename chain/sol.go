package chain

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mr-tron/base58"

	"github.com/opencustody/custody_service/config"
	wrapErrors "github.com/opencustody/custody_service/errors"
)

// SolanaRPC is the slice of node JSON-RPC the adapter uses.
type SolanaRPC interface {
	LatestBlockhash(ctx context.Context) ([32]byte, error)
	SendTransaction(ctx context.Context, txBase64 string) (string, error)
}

// HTTPSolanaRPC talks plain JSON-RPC 2.0 to a Solana node.
type HTTPSolanaRPC struct {
	url    string
	client *http.Client
}

func NewHTTPSolanaRPC(cfg config.SolConfig) *HTTPSolanaRPC {
	return &HTTPSolanaRPC{
		url:    cfg.RPC,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type solRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type solRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (r *HTTPSolanaRPC) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(solRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *solRPCError    `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return err
	}
	if envelope.Error != nil {
		return fmt.Errorf("rpc %s: %d %s", method, envelope.Error.Code, envelope.Error.Message)
	}
	return json.Unmarshal(envelope.Result, result)
}

func (r *HTTPSolanaRPC) LatestBlockhash(ctx context.Context) ([32]byte, error) {
	var out struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	var hash [32]byte
	if err := r.call(ctx, "getLatestBlockhash", nil, &out); err != nil {
		return hash, err
	}
	raw, err := base58.Decode(out.Value.Blockhash)
	if err != nil || len(raw) != 32 {
		return hash, fmt.Errorf("malformed blockhash %q", out.Value.Blockhash)
	}
	copy(hash[:], raw)
	return hash, nil
}

func (r *HTTPSolanaRPC) SendTransaction(ctx context.Context, txBase64 string) (string, error) {
	var signature string
	err := r.call(ctx, "sendTransaction", []any{txBase64, map[string]string{"encoding": "base64"}}, &signature)
	return signature, err
}

type SOLChain struct {
	rpc SolanaRPC
}

func NewSOLChain(rpc SolanaRPC) *SOLChain {
	return &SOLChain{rpc: rpc}
}

func (s *SOLChain) ID() ChainID { return SOL }

// DeriveKeypair derives m/44'/501'/index' (SLIP-0010 over ed25519,
// hardened-only) and returns the base58 pubkey address plus the 64-byte
// expanded ed25519 key.
func (s *SOLChain) DeriveKeypair(seed []byte, index uint32) (*Keypair, error) {
	if len(seed) == 0 {
		return nil, wrapErrors.New(wrapErrors.DerivationErr, "empty seed")
	}
	keySeed, err := slip10Derive(seed, []uint32{44, 501, index})
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.DerivationErr, "sol derive", err)
	}
	priv := ed25519.NewKeyFromSeed(keySeed)
	for i := range keySeed {
		keySeed[i] = 0
	}
	pub := priv.Public().(ed25519.PublicKey)
	kp := NewKeypair(base58.Encode(pub), priv)
	for i := range priv {
		priv[i] = 0
	}
	return kp, nil
}

// slip10Derive walks hardened SLIP-0010 ed25519 children. Every index is
// hardened implicitly; ed25519 has no normal derivation.
func slip10Derive(seed []byte, indices []uint32) ([]byte, error) {
	mac := hmac.New(sha512.New, []byte("ed25519 seed"))
	mac.Write(seed)
	digest := mac.Sum(nil)
	key, chainCode := digest[:32], digest[32:]

	for _, idx := range indices {
		hardened := idx | 0x80000000
		var ser [4]byte
		binary.BigEndian.PutUint32(ser[:], hardened)

		mac = hmac.New(sha512.New, chainCode)
		mac.Write([]byte{0x00})
		mac.Write(key)
		mac.Write(ser[:])
		digest = mac.Sum(nil)
		key, chainCode = digest[:32], digest[32:]
	}
	if len(key) != 32 {
		return nil, errors.New("bad derived key length")
	}
	out := make([]byte, 32)
	copy(out, key)
	return out, nil
}

type solUnsignedTx struct {
	from      [32]byte
	to        [32]byte
	lamports  uint64
	blockhash [32]byte
}

func (t *solUnsignedTx) Chain() ChainID { return SOL }

// BuildTransaction validates the transfer and pins a recent blockhash. The
// system-program message itself is encoded at signing time.
func (s *SOLChain) BuildTransaction(ctx context.Context, fromAddress, toAddress string, amount int64) (UnsignedTx, error) {
	if amount <= 0 {
		return nil, wrapErrors.New(wrapErrors.InvalidTransferParams, "amount must be positive")
	}
	from, err := decodeSolAddress(fromAddress)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.InvalidTransferParams, "from address", err)
	}
	to, err := decodeSolAddress(toAddress)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.InvalidTransferParams, "to address", err)
	}
	if from == to {
		return nil, wrapErrors.New(wrapErrors.InvalidTransferParams, "self transfer")
	}

	blockhash, err := s.rpc.LatestBlockhash(ctx)
	if err != nil {
		return nil, wrapErrors.WrapWithCode(wrapErrors.DailChain, "getLatestBlockhash", err)
	}

	return &solUnsignedTx{
		from:      from,
		to:        to,
		lamports:  uint64(amount),
		blockhash: blockhash,
	}, nil
}

func (s *SOLChain) SignAndSubmit(ctx context.Context, tx UnsignedTx, key *Keypair) (string, error) {
	utx, ok := tx.(*solUnsignedTx)
	if !ok {
		return "", wrapErrors.New(wrapErrors.InvalidTransferParams, "not a sol transaction")
	}
	if len(key.priv) != ed25519.PrivateKeySize {
		return "", wrapErrors.New(wrapErrors.SignerErr, "bad ed25519 key length")
	}

	message := encodeTransferMessage(utx)
	sig := ed25519.Sign(ed25519.PrivateKey(key.priv), message)

	// Wire transaction: shortvec signature count, signatures, message.
	var wireTx []byte
	wireTx = appendShortvecLen(wireTx, 1)
	wireTx = append(wireTx, sig...)
	wireTx = append(wireTx, message...)

	signature, err := s.rpc.SendTransaction(ctx, base64.StdEncoding.EncodeToString(wireTx))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", wrapErrors.WrapWithCode(wrapErrors.SubmissionUnknown, "sendTransaction", err)
		}
		return "", wrapErrors.WrapWithCode(wrapErrors.SubmissionErr, "sendTransaction", err)
	}
	return signature, nil
}

// encodeTransferMessage builds a legacy message carrying one system-program
// transfer. Layout: header | shortvec account keys | blockhash | shortvec
// instructions; account keys are [payer, recipient, system program].
func encodeTransferMessage(utx *solUnsignedTx) []byte {
	var systemProgram [32]byte // all zeros

	var msg []byte
	// 1 required signature, 0 readonly signed, 1 readonly unsigned (program).
	msg = append(msg, 1, 0, 1)

	msg = appendShortvecLen(msg, 3)
	msg = append(msg, utx.from[:]...)
	msg = append(msg, utx.to[:]...)
	msg = append(msg, systemProgram[:]...)

	msg = append(msg, utx.blockhash[:]...)

	// Instruction data: u32 LE instruction tag (2 = Transfer) + u64 LE lamports.
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], 2)
	binary.LittleEndian.PutUint64(data[4:12], utx.lamports)

	msg = appendShortvecLen(msg, 1)
	msg = append(msg, 2) // program id index
	msg = appendShortvecLen(msg, 2)
	msg = append(msg, 0, 1) // from, to
	msg = appendShortvecLen(msg, len(data))
	msg = append(msg, data...)

	return msg
}

// appendShortvecLen appends a compact-u16 length prefix.
func appendShortvecLen(b []byte, n int) []byte {
	v := uint16(n)
	for {
		if v < 0x80 {
			return append(b, byte(v))
		}
		b = append(b, byte(v&0x7f)|0x80)
		v >>= 7
	}
}

func decodeSolAddress(addr string) ([32]byte, error) {
	var out [32]byte
	raw, err := base58.Decode(addr)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("address must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
