package transfer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opencustody/custody_service/chain"
	"github.com/opencustody/custody_service/entity"
	wrapErrors "github.com/opencustody/custody_service/errors"
	"github.com/opencustody/custody_service/ledger"
)

// Request is the transient description of one logical transfer. For a
// deposit-sweep Amount is the confirmed incoming amount reported by the
// external chain-observation feed; for a withdrawal it is what the user
// asked to move to Destination.
type Request struct {
	UserID      string
	Asset       string
	Amount      int64
	Direction   string
	Destination string
}

// ResultStore persists TransferResult rows. Rows awaiting their ledger
// side are the reconciler's work queue.
type ResultStore interface {
	Create(ctx context.Context, res *entity.TransferResult) (string, error)
	Update(ctx context.Context, res *entity.TransferResult) error
	ListPendingReconcile(ctx context.Context, limit int64) ([]*entity.TransferResult, error)
}

// WalletSource resolves the user's derived wallet row for a chain.
type WalletSource interface {
	GetByUserChain(ctx context.Context, userID, chain string) (*entity.ChainWallet, error)
}

// CommonSource resolves the pooled platform account for a chain.
type CommonSource interface {
	GetByChain(ctx context.Context, chain string) (*entity.CommonAccount, error)
}

// SeedSource is the key-custody boundary. Satisfied by *domain.Keystore.
type SeedSource interface {
	GetSeed(ctx context.Context, userID string) ([]byte, error)
}

type adapterSet interface {
	Adapter(id chain.ChainID) (chain.Adapter, bool)
}

// Orchestrator drives one ChainAdapter and the LedgerStore in a fixed
// order per direction. Withdrawals debit the ledger before the
// irreversible on-chain send (a failure is compensated by a credit);
// deposit-sweeps credit only after the sweep is submitted, with the
// persisted result row as the durable marker. The asymmetry is the whole
// point: never let the ledger show funds the chain might not move, never
// lose track of funds the chain did move.
type Orchestrator struct {
	adapters adapterSet
	seeds    SeedSource
	ledger   ledger.Store
	results  ResultStore
	wallets  WalletSource
	commons  CommonSource
	retryer  *SubmitRetryer
	logger   *logrus.Logger
}

// Options for creating an Orchestrator.
type Options struct {
	Adapters adapterSet
	Seeds    SeedSource
	Ledger   ledger.Store
	Results  ResultStore
	Wallets  WalletSource
	Commons  CommonSource
	Retryer  *SubmitRetryer
	Logger   *logrus.Logger
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	retryer := opts.Retryer
	if retryer == nil {
		retryer = NewSubmitRetryer(DefaultRetryConfig(), logger)
	}
	return &Orchestrator{
		adapters: opts.Adapters,
		seeds:    opts.Seeds,
		ledger:   opts.Ledger,
		results:  opts.Results,
		wallets:  opts.Wallets,
		commons:  opts.Commons,
		retryer:  retryer,
		logger:   logger,
	}
}

// Execute runs one transfer end to end and returns its result record.
// The returned result is persisted for every outcome past precheck.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*entity.TransferResult, error) {
	switch req.Direction {
	case entity.DirectionDeposit:
		return o.depositSweep(ctx, req)
	case entity.DirectionWithdrawal:
		return o.withdraw(ctx, req)
	default:
		return nil, wrapErrors.New(wrapErrors.InvalidTransferParams, "unknown direction "+req.Direction)
	}
}

func (o *Orchestrator) newResult(req Request, chainID chain.ChainID) *entity.TransferResult {
	return &entity.TransferResult{
		UserID:      req.UserID,
		Asset:       req.Asset,
		Chain:       string(chainID),
		Direction:   req.Direction,
		Amount:      req.Amount,
		Destination: req.Destination,
		State:       entity.StateInitiated,
	}
}

// depositSweep moves observed funds from the user's wallet into the pooled
// account, then credits the user's ledger balance.
func (o *Orchestrator) depositSweep(ctx context.Context, req Request) (*entity.TransferResult, error) {
	chainID, ok := chain.ForAsset(req.Asset)
	if !ok {
		return nil, wrapErrors.New(wrapErrors.UnsupportedChain, req.Asset)
	}
	adapter, ok := o.adapters.Adapter(chainID)
	if !ok {
		return nil, wrapErrors.New(wrapErrors.UnsupportedChain, string(chainID))
	}

	res := o.newResult(req, chainID)

	// Precheck: the observed amount comes from a trusted notifier; anything
	// non-positive means the observation is garbage.
	if req.Amount <= 0 {
		res.State = entity.StateFailedPrecheck
		return res, wrapErrors.New(wrapErrors.InvalidTransferParams, "observed amount must be positive")
	}

	wallet, err := o.wallets.GetByUserChain(ctx, req.UserID, string(chainID))
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		res.State = entity.StateFailedPrecheck
		return res, wrapErrors.New(wrapErrors.InvalidTransferParams, "no wallet for user on "+string(chainID))
	}
	common, err := o.commons.GetByChain(ctx, string(chainID))
	if err != nil {
		return nil, err
	}
	if common == nil {
		res.State = entity.StateFailedPrecheck
		return res, wrapErrors.New(wrapErrors.UnsupportedChain, "no common account on "+string(chainID))
	}

	seed, err := o.seeds.GetSeed(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	key, err := adapter.DeriveKeypair(seed, wallet.Index)
	wipeBytes(seed)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()

	utx, err := adapter.BuildTransaction(ctx, wallet.Address, common.Address, req.Amount)
	if err != nil {
		if wrapErrors.CodeOf(err) == wrapErrors.InvalidTransferParams {
			res.State = entity.StateFailedPrecheck
		} else {
			res.State = entity.StateFailedOnChain
		}
		o.persist(ctx, res)
		return res, err
	}

	txRef, err := o.retryer.Submit(ctx, adapter, utx, key)
	if err != nil {
		if wrapErrors.CodeOf(err) == wrapErrors.SubmissionUnknown {
			// The sweep may have landed. Park the row; the reconciler
			// resolves it against chain state before any credit happens.
			res.State = entity.StateOnChainSub
			res.TxUnknown = true
			o.persist(ctx, res)
			o.logger.WithFields(logrus.Fields{
				"result": res.ID, "chain": chainID, "user": req.UserID,
			}).Warn("deposit sweep outcome unknown, parked for reconciliation")
			return res, err
		}
		// Ledger untouched: nothing was moved, nothing to compensate.
		res.State = entity.StateFailedOnChain
		o.persist(ctx, res)
		return res, err
	}

	// Durable marker before the credit. If the credit (or this process)
	// fails from here on, the reconciler replays it: the on-chain sweep is
	// irreversible, so the ledger update is mandatory, only its timing is
	// negotiable. No marker means no credit: an unmarked credit failure
	// would leave swept funds untracked.
	res.TxRef = txRef
	res.State = entity.StateOnChainSub
	if err := o.createWithRetry(ctx, res); err != nil {
		o.logger.WithError(err).WithField("tx_ref", txRef).
			Error("cannot persist submitted sweep, credit withheld")
		return res, wrapErrors.WrapWithCode(wrapErrors.LedgerReconcileFailure, "persist sweep marker", err)
	}

	if _, err := o.ledger.CreditOnce(ctx, req.UserID, req.Asset, req.Amount, res.ID); err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"result": res.ID, "user": req.UserID, "asset": req.Asset,
		}).Error("ledger credit failed after sweep, queued for reconciliation")
		return res, wrapErrors.WrapWithCode(wrapErrors.LedgerReconcileFailure, "deposit credit", err)
	}

	res.LedgerApplied = true
	res.State = entity.StateLedgerApplied
	o.update(ctx, res)
	res.State = entity.StateComplete
	o.update(ctx, res)
	return res, nil
}

// withdraw moves funds from the pooled account to the user's external
// address, debiting the ledger first.
func (o *Orchestrator) withdraw(ctx context.Context, req Request) (*entity.TransferResult, error) {
	chainID, ok := chain.ForAsset(req.Asset)
	if !ok {
		return nil, wrapErrors.New(wrapErrors.UnsupportedChain, req.Asset)
	}
	adapter, ok := o.adapters.Adapter(chainID)
	if !ok {
		return nil, wrapErrors.New(wrapErrors.UnsupportedChain, string(chainID))
	}

	res := o.newResult(req, chainID)

	if req.Amount <= 0 || req.Destination == "" {
		res.State = entity.StateFailedPrecheck
		return res, wrapErrors.New(wrapErrors.InvalidTransferParams, "amount and destination required")
	}

	common, err := o.commons.GetByChain(ctx, string(chainID))
	if err != nil {
		return nil, err
	}
	if common == nil {
		res.State = entity.StateFailedPrecheck
		return res, wrapErrors.New(wrapErrors.UnsupportedChain, "no common account on "+string(chainID))
	}

	// Ledger debit before the irreversible send: a later failure is
	// cheaply compensated by crediting back.
	ok, err = o.ledger.TryDebit(ctx, req.UserID, req.Asset, req.Amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		res.State = entity.StateFailedPrecheck
		o.persist(ctx, res)
		return res, wrapErrors.New(wrapErrors.InsufficientLedgerFunds, req.Asset)
	}
	res.LedgerApplied = true
	if _, err := o.results.Create(ctx, res); err != nil {
		// Could not make the debit durable; undo it rather than continue
		// toward a send with no audit trail.
		o.compensate(ctx, res)
		return nil, err
	}

	seed, err := o.seeds.GetSeed(ctx, entity.CommonOwner)
	if err != nil {
		o.failWithCompensation(ctx, res)
		return res, err
	}
	key, err := adapter.DeriveKeypair(seed, 0)
	wipeBytes(seed)
	if err != nil {
		o.failWithCompensation(ctx, res)
		return res, err
	}
	defer key.Wipe()

	utx, err := adapter.BuildTransaction(ctx, common.Address, req.Destination, req.Amount)
	if err != nil {
		o.failWithCompensation(ctx, res)
		return res, err
	}

	txRef, err := o.retryer.Submit(ctx, adapter, utx, key)
	if err != nil {
		if wrapErrors.CodeOf(err) == wrapErrors.SubmissionUnknown {
			// The send may have happened; compensating now could double
			// the user's funds. Park it for reconciliation instead.
			res.State = entity.StateOnChainSub
			res.TxUnknown = true
			o.update(ctx, res)
			o.logger.WithFields(logrus.Fields{
				"result": res.ID, "chain": chainID, "user": req.UserID,
			}).Warn("withdrawal outcome unknown, parked for reconciliation")
			return res, err
		}
		o.failWithCompensation(ctx, res)
		return res, err
	}

	res.TxRef = txRef
	res.State = entity.StateOnChainSub
	o.update(ctx, res)
	res.State = entity.StateComplete
	o.update(ctx, res)
	return res, nil
}

// failWithCompensation reverses a withdrawal debit after an on-chain
// failure. If the credit itself fails the row stays flagged and the
// reconciler retries it until the user's balance is whole again.
func (o *Orchestrator) failWithCompensation(ctx context.Context, res *entity.TransferResult) {
	res.State = entity.StateFailedOnChain
	o.compensate(ctx, res)
	o.update(ctx, res)
}

// compensationRef keys the compensation credit separately from the
// deposit credit, which uses the bare result id.
func compensationRef(res *entity.TransferResult) string {
	return res.ID + "/comp"
}

func (o *Orchestrator) compensate(ctx context.Context, res *entity.TransferResult) {
	var err error
	if res.ID != "" {
		_, err = o.ledger.CreditOnce(ctx, res.UserID, res.Asset, res.Amount, compensationRef(res))
	} else {
		// The row never persisted, so no replay can race this credit.
		err = o.ledger.Credit(ctx, res.UserID, res.Asset, res.Amount)
	}
	if err != nil {
		res.CompensationDue = true
		o.logger.WithError(err).WithFields(logrus.Fields{
			"result": res.ID, "user": res.UserID, "asset": res.Asset,
		}).Error("compensation credit failed, queued for reconciliation")
		return
	}
	res.LedgerApplied = false
	res.CompensationDue = false
}

const markerAttempts = 3

// createWithRetry persists a result row, retrying transient store errors.
// Callers on the post-submission path must not proceed without the row.
func (o *Orchestrator) createWithRetry(ctx context.Context, res *entity.TransferResult) error {
	for attempt := 1; ; attempt++ {
		_, err := o.results.Create(ctx, res)
		if err == nil {
			return nil
		}
		if attempt == markerAttempts {
			return err
		}
		o.logger.WithError(err).WithField("attempt", attempt).
			Warn("transfer result create failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
}

func (o *Orchestrator) persist(ctx context.Context, res *entity.TransferResult) {
	if _, err := o.results.Create(ctx, res); err != nil {
		o.logger.WithError(err).Error("failed to persist transfer result")
	}
}

func (o *Orchestrator) update(ctx context.Context, res *entity.TransferResult) {
	if res.ID == "" {
		o.persist(ctx, res)
		return
	}
	if err := o.results.Update(ctx, res); err != nil {
		o.logger.WithError(err).WithField("result", res.ID).
			Error("failed to update transfer result")
	}
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
