package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opencustody/custody_service/chain"
	"github.com/opencustody/custody_service/domain"
	"github.com/opencustody/custody_service/entity"
	wrapErrors "github.com/opencustody/custody_service/errors"
	"github.com/opencustody/custody_service/ledger"
	"github.com/opencustody/custody_service/repository"
	"github.com/opencustody/custody_service/transfer"
)

// CustodyService is the use-case layer: user onboarding (seed + one wallet
// per chain), common-account provisioning and transfer initiation.
type CustodyService struct {
	Keystore     *domain.Keystore
	Deriver      *domain.Deriver
	WalletRepo   *repository.Wallets
	CommonRepo   *repository.CommonAccounts
	TransferRepo *repository.Transfers
	Ledger       ledger.Store
	Orchestrator *transfer.Orchestrator
	Logger       *logrus.Logger
}

func NewCustodyService(
	keystore *domain.Keystore,
	deriver *domain.Deriver,
	walletRepo *repository.Wallets,
	commonRepo *repository.CommonAccounts,
	transferRepo *repository.Transfers,
	store ledger.Store,
	orchestrator *transfer.Orchestrator,
	logger *logrus.Logger,
) *CustodyService {
	return &CustodyService{
		Keystore:     keystore,
		Deriver:      deriver,
		WalletRepo:   walletRepo,
		CommonRepo:   commonRepo,
		TransferRepo: transferRepo,
		Ledger:       store,
		Orchestrator: orchestrator,
		Logger:       logger,
	}
}

// Onboard creates the user's seed and derives + persists one wallet per
// supported chain. Key material is wiped before returning; only addresses
// leave this function.
func (s *CustodyService) Onboard(ctx context.Context, userID string) (map[string]string, error) {
	existing, err := s.WalletRepo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, wrapErrors.New(wrapErrors.InvalidTransferParams, "user already onboarded")
	}

	seed, err := s.Keystore.CreateSeed(ctx, userID)
	if err != nil {
		return nil, err
	}
	wallets, err := s.Deriver.DeriveWallets(seed)
	for i := range seed {
		seed[i] = 0
	}
	if err != nil {
		return nil, err
	}
	defer domain.WipeAll(wallets)

	addresses := make(map[string]string, len(wallets))
	for id, kp := range wallets {
		if err := s.WalletRepo.Create(ctx, &entity.ChainWallet{
			UserID:    userID,
			Chain:     string(id),
			Address:   kp.Address,
			Index:     0,
			CreatedAt: time.Now(),
		}); err != nil {
			return nil, err
		}
		addresses[string(id)] = kp.Address
	}

	s.Logger.WithFields(logrus.Fields{
		"user": userID, "chains": len(addresses),
	}).Info("user onboarded")
	return addresses, nil
}

// Addresses lists the user's deposit wallets.
func (s *CustodyService) Addresses(ctx context.Context, userID string) ([]*entity.ChainWallet, error) {
	return s.WalletRepo.GetByUserID(ctx, userID)
}

// Balance returns the user's ledger balance for one asset.
func (s *CustodyService) Balance(ctx context.Context, userID, asset string) (int64, error) {
	if _, ok := chain.ForAsset(asset); !ok {
		return 0, wrapErrors.New(wrapErrors.UnsupportedChain, asset)
	}
	return s.Ledger.Balance(ctx, userID, asset)
}

// Transfers returns the user's transfer audit trail, newest first.
func (s *CustodyService) Transfers(ctx context.Context, userID string) ([]*entity.TransferResult, error) {
	return s.TransferRepo.ListByUser(ctx, userID)
}

// InitiateTransfer runs a deposit-sweep or withdrawal orchestration.
func (s *CustodyService) InitiateTransfer(ctx context.Context, req transfer.Request) (*entity.TransferResult, error) {
	return s.Orchestrator.Execute(ctx, req)
}

// EnsureCommonAccounts provisions the platform seed and the pooled wallet
// per chain on first start. Idempotent: existing rows are left alone
// except for a harmless address upsert (derivation is deterministic, the
// address cannot change).
func (s *CustodyService) EnsureCommonAccounts(ctx context.Context) error {
	seed, err := s.Keystore.GetSeed(ctx, entity.CommonOwner)
	if err != nil {
		if wrapErrors.CodeOf(err) != wrapErrors.SeedNotFound {
			return err
		}
		seed, err = s.Keystore.CreateSeed(ctx, entity.CommonOwner)
		if err != nil {
			return err
		}
	}
	wallets, err := s.Deriver.DeriveWallets(seed)
	for i := range seed {
		seed[i] = 0
	}
	if err != nil {
		return err
	}
	defer domain.WipeAll(wallets)

	for id, kp := range wallets {
		if err := s.CommonRepo.Upsert(ctx, &entity.CommonAccount{
			Chain:     string(id),
			Address:   kp.Address,
			CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
	}
	return nil
}
