package domain

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	bip39 "github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/pbkdf2"

	"github.com/opencustody/custody_service/entity"
	wrapErrors "github.com/opencustody/custody_service/errors"
)

// NOTE:
// - KDF metadata is encoded into SaltMeta as "pbkdf2$<iterations>$<hexsalt>"
//   so the SeedRecord schema survives parameter changes.
// - AES-GCM for authenticated encryption, PBKDF2 (sha256) for the key.
// - The platform (not the end user) owns every seed, so the custody
//   boundary holds one master KEK from config instead of per-call
//   passphrases.

const (
	kdfLabel      = "pbkdf2"
	kdfIterations = 310_000
)

func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// deriveKey derives a 32-byte AES key from the KEK+salt using
// PBKDF2-SHA256. The caller must clear the returned copy after use.
func deriveKey(kek string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(kek), salt, iterations, 32, sha256.New)
}

// encrypt uses AES-256-GCM and returns nonce|ciphertext.
func encrypt(data []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, data, nil)
	return append(nonce, ciphertext...), nil
}

// decrypt expects nonce|ciphertext.
func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	plain, err := gcm.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		// do not leak the raw crypto error
		return nil, errors.New("failed to decrypt data")
	}
	return plain, nil
}

// encodeSaltMeta packs algorithm, iterations and salt into one string.
func encodeSaltMeta(salt []byte, iterations int) string {
	return fmt.Sprintf("%s$%d$%s", kdfLabel, iterations, hex.EncodeToString(salt))
}

func decodeSaltMeta(meta string) ([]byte, int, error) {
	parts := strings.Split(meta, "$")
	if len(parts) != 3 {
		return nil, 0, errors.New("invalid salt metadata format")
	}
	if parts[0] != kdfLabel {
		return nil, 0, errors.New("unsupported kdf")
	}
	iter, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, 0, errors.New("invalid kdf iterations")
	}
	salt, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, 0, errors.New("invalid salt hex")
	}
	return salt, iter, nil
}

// SeedStore persists encrypted seed records. GetByUserID returns
// (nil, nil) when no record exists.
type SeedStore interface {
	Create(ctx context.Context, rec *entity.SeedRecord) error
	GetByUserID(ctx context.Context, userID string) (*entity.SeedRecord, error)
}

// Keystore is the single key-custody boundary. Seed plaintext exists only
// in the return values of CreateSeed/GetSeed and callers clear it as soon
// as derivation is done.
type Keystore struct {
	store SeedStore
	kek   string
}

func NewKeystore(store SeedStore, kek string) *Keystore {
	return &Keystore{store: store, kek: kek}
}

// CreateSeed generates a 24-word mnemonic, derives the BIP-39 seed,
// encrypts it under the KEK and persists the record. The plaintext seed is
// returned once for immediate wallet derivation; the caller must clear it.
func (k *Keystore) CreateSeed(ctx context.Context, userID string) ([]byte, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	// BIP39 passphrase intentionally empty: the platform custodies funds,
	// there is no second user secret to mix in.
	seed := bip39.NewSeed(mnemonic, "")
	clearBytes(entropy)

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		clearBytes(seed)
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := deriveKey(k.kek, salt, kdfIterations)
	defer clearBytes(key)

	encSeed, err := encrypt(seed, key)
	if err != nil {
		clearBytes(seed)
		return nil, fmt.Errorf("failed to encrypt seed: %w", err)
	}

	rec := &entity.SeedRecord{
		UserID:        userID,
		EncryptedSeed: encSeed,
		SaltMeta:      encodeSaltMeta(salt, kdfIterations),
		CreatedAt:     time.Now(),
	}
	if err := k.store.Create(ctx, rec); err != nil {
		clearBytes(seed)
		return nil, fmt.Errorf("failed to persist seed: %w", err)
	}

	return seed, nil
}

// GetSeed decrypts the stored seed for userID. The caller must clear the
// returned bytes as soon as possible.
func (k *Keystore) GetSeed(ctx context.Context, userID string) ([]byte, error) {
	rec, err := k.store.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, wrapErrors.New(wrapErrors.SeedNotFound, "seed for "+userID)
	}

	salt, iterations, err := decodeSaltMeta(rec.SaltMeta)
	if err != nil {
		return nil, fmt.Errorf("invalid salt metadata: %w", err)
	}
	key := deriveKey(k.kek, salt, iterations)
	defer clearBytes(key)

	seed, err := decrypt(rec.EncryptedSeed, key)
	if err != nil {
		return nil, errors.New("wrong KEK or corrupted seed record")
	}
	return seed, nil
}
