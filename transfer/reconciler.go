package transfer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opencustody/custody_service/entity"
	"github.com/opencustody/custody_service/ledger"
)

const reconcileBatch = 100

// Reconciler is the background half of the orchestrator's failure
// handling. It replays mandatory ledger writes that did not stick inline:
// deposit credits for submitted sweeps, and compensation credits for
// failed withdrawals. Rows are retried every tick until they succeed;
// giving up is not an option once an on-chain effect happened.
type Reconciler struct {
	results ResultStore
	ledger  ledger.Store
	logger  *logrus.Logger
	tick    time.Duration
}

func NewReconciler(results ResultStore, store ledger.Store, logger *logrus.Logger, tick time.Duration) *Reconciler {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Reconciler{results: results, ledger: store, logger: logger, tick: tick}
}

// Run loops until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.WithError(err).Error("reconcile pass failed")
			}
		}
	}
}

// RunOnce applies every pending ledger write it can; individual failures
// are logged and retried on the next pass.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	pending, err := r.results.ListPendingReconcile(ctx, reconcileBatch)
	if err != nil {
		return err
	}

	for _, res := range pending {
		switch {
		case res.CompensationDue:
			r.applyCompensation(ctx, res)
		case res.Direction == entity.DirectionDeposit && !res.LedgerApplied:
			r.applyDepositCredit(ctx, res)
		}
	}

	r.reportUnknown(ctx)
	return nil
}

// reportUnknown logs parked submissions whose on-chain outcome is still
// unknown. They require an operator (or a chain indexer) to resolve; the
// reconciler must never credit, compensate or re-send them.
func (r *Reconciler) reportUnknown(ctx context.Context) {
	lister, ok := r.results.(interface {
		ListUnknownSubmissions(ctx context.Context) ([]*entity.TransferResult, error)
	})
	if !ok {
		return
	}
	unknown, err := lister.ListUnknownSubmissions(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("could not list unknown submissions")
		return
	}
	for _, res := range unknown {
		r.logger.WithFields(logrus.Fields{
			"result": res.ID, "user": res.UserID, "asset": res.Asset,
			"direction": res.Direction, "amount": res.Amount,
		}).Warn("submission outcome unknown, awaiting manual resolution")
	}
}

func (r *Reconciler) applyDepositCredit(ctx context.Context, res *entity.TransferResult) {
	// Keyed by result id, so a replay after a crashed or half-finished
	// pass is a no-op on the balance.
	applied, err := r.ledger.CreditOnce(ctx, res.UserID, res.Asset, res.Amount, res.ID)
	if err != nil {
		r.logger.WithError(err).WithField("result", res.ID).
			Warn("deposit credit still failing, will retry")
		return
	}
	if !applied {
		r.logger.WithField("result", res.ID).
			Info("deposit credit already applied, repairing result row")
	}
	res.LedgerApplied = true
	res.State = entity.StateLedgerApplied
	if err := r.results.Update(ctx, res); err != nil {
		r.logger.WithError(err).WithField("result", res.ID).
			Error("credit applied but result update failed")
		return
	}
	res.State = entity.StateComplete
	if err := r.results.Update(ctx, res); err != nil {
		r.logger.WithError(err).WithField("result", res.ID).
			Error("failed to mark transfer complete")
		return
	}
	r.logger.WithFields(logrus.Fields{
		"result": res.ID, "user": res.UserID, "asset": res.Asset, "amount": res.Amount,
	}).Info("reconciled deposit credit")
}

func (r *Reconciler) applyCompensation(ctx context.Context, res *entity.TransferResult) {
	if _, err := r.ledger.CreditOnce(ctx, res.UserID, res.Asset, res.Amount, compensationRef(res)); err != nil {
		r.logger.WithError(err).WithField("result", res.ID).
			Warn("compensation credit still failing, will retry")
		return
	}
	res.CompensationDue = false
	res.LedgerApplied = false
	res.State = entity.StateFailedOnChain
	if err := r.results.Update(ctx, res); err != nil {
		r.logger.WithError(err).WithField("result", res.ID).
			Error("compensation applied but result update failed")
		return
	}
	r.logger.WithFields(logrus.Fields{
		"result": res.ID, "user": res.UserID, "asset": res.Asset, "amount": res.Amount,
	}).Info("reconciled withdrawal compensation")
}
