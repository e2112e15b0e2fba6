package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencustody/custody_service/chain"
	"github.com/opencustody/custody_service/entity"
	wrapErrors "github.com/opencustody/custody_service/errors"
	"github.com/opencustody/custody_service/ledger"
)

// ---------- fakes ----------

type fakeTx struct{ id chain.ChainID }

func (t fakeTx) Chain() chain.ChainID { return t.id }

type fakeAdapter struct {
	id          chain.ChainID
	buildErr    error
	submitErr   error
	buildCalls  int
	submitCalls int
}

func (a *fakeAdapter) ID() chain.ChainID { return a.id }

func (a *fakeAdapter) DeriveKeypair(seed []byte, index uint32) (*chain.Keypair, error) {
	return chain.NewKeypair(fmt.Sprintf("%s-addr-%d", a.id, index), []byte{1, 2, 3}), nil
}

func (a *fakeAdapter) BuildTransaction(ctx context.Context, from, to string, amount int64) (chain.UnsignedTx, error) {
	a.buildCalls++
	if a.buildErr != nil {
		return nil, a.buildErr
	}
	return fakeTx{id: a.id}, nil
}

func (a *fakeAdapter) SignAndSubmit(ctx context.Context, tx chain.UnsignedTx, key *chain.Keypair) (string, error) {
	a.submitCalls++
	if a.submitErr != nil {
		return "", a.submitErr
	}
	return "txref-001", nil
}

type fakeAdapters map[chain.ChainID]chain.Adapter

func (f fakeAdapters) Adapter(id chain.ChainID) (chain.Adapter, bool) {
	a, ok := f[id]
	return a, ok
}

type memResults struct {
	mu   sync.Mutex
	seq  int
	rows map[string]*entity.TransferResult
}

func newMemResults() *memResults {
	return &memResults{rows: make(map[string]*entity.TransferResult)}
}

func (m *memResults) Create(ctx context.Context, res *entity.TransferResult) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	res.ID = fmt.Sprintf("tr-%03d", m.seq)
	cp := *res
	m.rows[res.ID] = &cp
	return res.ID, nil
}

func (m *memResults) Update(ctx context.Context, res *entity.TransferResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[res.ID]; !ok {
		return errors.New("no such result")
	}
	cp := *res
	m.rows[res.ID] = &cp
	return nil
}

func (m *memResults) ListPendingReconcile(ctx context.Context, limit int64) ([]*entity.TransferResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entity.TransferResult
	for _, res := range m.rows {
		cp := *res
		switch {
		case res.CompensationDue:
			out = append(out, &cp)
		case res.Direction == entity.DirectionDeposit &&
			res.State == entity.StateOnChainSub && !res.LedgerApplied && !res.TxUnknown:
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memResults) get(id string) *entity.TransferResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}

type fakeWallets map[string]*entity.ChainWallet

func (f fakeWallets) GetByUserChain(ctx context.Context, userID, chainID string) (*entity.ChainWallet, error) {
	return f[userID+"/"+chainID], nil
}

type fakeCommons map[string]*entity.CommonAccount

func (f fakeCommons) GetByChain(ctx context.Context, chainID string) (*entity.CommonAccount, error) {
	return f[chainID], nil
}

type fakeSeeds struct{}

func (fakeSeeds) GetSeed(ctx context.Context, userID string) ([]byte, error) {
	return make([]byte, 64), nil
}

// flakyLedger fails the next failCredits credit calls, then behaves.
type flakyLedger struct {
	ledger.Store
	mu          sync.Mutex
	failCredits int
}

func (f *flakyLedger) failNext() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCredits > 0 {
		f.failCredits--
		return true
	}
	return false
}

func (f *flakyLedger) Credit(ctx context.Context, owner, asset string, amount int64) error {
	if f.failNext() {
		return errors.New("ledger backend down")
	}
	return f.Store.Credit(ctx, owner, asset, amount)
}

func (f *flakyLedger) CreditOnce(ctx context.Context, owner, asset string, amount int64, ref string) (bool, error) {
	if f.failNext() {
		return false, errors.New("ledger backend down")
	}
	return f.Store.CreditOnce(ctx, owner, asset, amount, ref)
}

// failingUpdateResults persists rows but never manages to update them.
type failingUpdateResults struct {
	*memResults
}

func (f *failingUpdateResults) Update(ctx context.Context, res *entity.TransferResult) error {
	return errors.New("result store unavailable")
}

// flakyCreateResults fails the next failCreates Create calls.
type flakyCreateResults struct {
	*memResults
	failCreates int
	creates     int
}

func (f *flakyCreateResults) Create(ctx context.Context, res *entity.TransferResult) (string, error) {
	f.creates++
	if f.failCreates > 0 {
		f.failCreates--
		return "", errors.New("result store unavailable")
	}
	return f.memResults.Create(ctx, res)
}

type fixture struct {
	orch    *Orchestrator
	adapter *fakeAdapter
	ledger  ledger.Store
	results *memResults
	logger  *logrus.Logger
}

func newFixture(t *testing.T, store ledger.Store) *fixture {
	t.Helper()
	adapter := &fakeAdapter{id: chain.ETH}
	results := newMemResults()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	orch := New(Options{
		Adapters: fakeAdapters{chain.ETH: adapter},
		Seeds:    fakeSeeds{},
		Ledger:   store,
		Results:  results,
		Wallets: fakeWallets{
			"alice/eth": {UserID: "alice", Chain: "eth", Address: "0xalice", Index: 0},
		},
		Commons: fakeCommons{
			"eth": {Chain: "eth", Address: "0xpool"},
		},
		Retryer: NewSubmitRetryer(RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		}, logger),
		Logger: logger,
	})
	return &fixture{orch: orch, adapter: adapter, ledger: store, results: results, logger: logger}
}

func balanceOf(t *testing.T, store ledger.Store, owner, asset string) int64 {
	t.Helper()
	balance, err := store.Balance(context.Background(), owner, asset)
	require.NoError(t, err)
	return balance
}

// ---------- withdrawal ----------

func TestWithdraw_Success(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	require.NoError(t, store.Credit(ctx, "alice", "ETH", 100))
	fx := newFixture(t, store)

	res, err := fx.orch.Execute(ctx, Request{
		UserID: "alice", Asset: "ETH", Amount: 40,
		Direction: entity.DirectionWithdrawal, Destination: "0xdest",
	})
	require.NoError(t, err)
	assert.Equal(t, entity.StateComplete, res.State)
	assert.Equal(t, "txref-001", res.TxRef)
	assert.Equal(t, int64(60), balanceOf(t, store, "alice", "ETH"))
	assert.Equal(t, entity.StateComplete, fx.results.get(res.ID).State)
}

func TestWithdraw_InsufficientLedgerFunds(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	require.NoError(t, store.Credit(ctx, "alice", "ETH", 100))
	fx := newFixture(t, store)

	res, err := fx.orch.Execute(ctx, Request{
		UserID: "alice", Asset: "ETH", Amount: 150,
		Direction: entity.DirectionWithdrawal, Destination: "0xdest",
	})
	assert.Equal(t, wrapErrors.InsufficientLedgerFunds, wrapErrors.CodeOf(err))
	assert.Equal(t, entity.StateFailedPrecheck, res.State)
	assert.Equal(t, int64(100), balanceOf(t, store, "alice", "ETH"))
	// no chain interaction at all
	assert.Equal(t, 0, fx.adapter.buildCalls)
	assert.Equal(t, 0, fx.adapter.submitCalls)
}

func TestWithdraw_SubmitFailureCompensates(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	require.NoError(t, store.Credit(ctx, "alice", "ETH", 100))
	fx := newFixture(t, store)
	fx.adapter.submitErr = wrapErrors.New(wrapErrors.SubmissionErr, "node rejected")

	res, err := fx.orch.Execute(ctx, Request{
		UserID: "alice", Asset: "ETH", Amount: 40,
		Direction: entity.DirectionWithdrawal, Destination: "0xdest",
	})
	assert.Equal(t, wrapErrors.SubmissionErr, wrapErrors.CodeOf(err))
	assert.Equal(t, entity.StateFailedOnChain, res.State)
	// bounded retry happened, then the debit was credited back in full
	assert.Equal(t, 3, fx.adapter.submitCalls)
	assert.Equal(t, int64(100), balanceOf(t, store, "alice", "ETH"))
}

func TestWithdraw_UnknownOutcomeDoesNotCompensate(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	require.NoError(t, store.Credit(ctx, "alice", "ETH", 100))
	fx := newFixture(t, store)
	fx.adapter.submitErr = wrapErrors.WrapWithCode(wrapErrors.SubmissionUnknown, "send", context.DeadlineExceeded)

	res, err := fx.orch.Execute(ctx, Request{
		UserID: "alice", Asset: "ETH", Amount: 40,
		Direction: entity.DirectionWithdrawal, Destination: "0xdest",
	})
	assert.Equal(t, wrapErrors.SubmissionUnknown, wrapErrors.CodeOf(err))
	assert.Equal(t, entity.StateOnChainSub, res.State)
	assert.True(t, res.TxUnknown)
	// only one attempt, and the money may have moved: balance stays debited
	assert.Equal(t, 1, fx.adapter.submitCalls)
	assert.Equal(t, int64(60), balanceOf(t, store, "alice", "ETH"))
}

func TestWithdraw_CompensationFailureQueuedAndReconciled(t *testing.T) {
	ctx := context.Background()
	base := ledger.NewMemoryStore()
	require.NoError(t, base.Credit(ctx, "alice", "ETH", 100))
	flaky := &flakyLedger{Store: base, failCredits: 1}
	fx := newFixture(t, flaky)
	fx.adapter.submitErr = wrapErrors.New(wrapErrors.SubmissionErr, "node rejected")

	res, err := fx.orch.Execute(ctx, Request{
		UserID: "alice", Asset: "ETH", Amount: 40,
		Direction: entity.DirectionWithdrawal, Destination: "0xdest",
	})
	require.Error(t, err)
	assert.Equal(t, int64(60), balanceOf(t, base, "alice", "ETH"))
	assert.True(t, fx.results.get(res.ID).CompensationDue)

	rec := NewReconciler(fx.results, flaky, fx.logger, time.Minute)
	require.NoError(t, rec.RunOnce(ctx))

	assert.Equal(t, int64(100), balanceOf(t, base, "alice", "ETH"))
	assert.False(t, fx.results.get(res.ID).CompensationDue)
}

// ---------- deposit-sweep ----------

func TestDeposit_Success(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	fx := newFixture(t, store)

	res, err := fx.orch.Execute(ctx, Request{
		UserID: "alice", Asset: "ETH", Amount: 25,
		Direction: entity.DirectionDeposit,
	})
	require.NoError(t, err)
	assert.Equal(t, entity.StateComplete, res.State)
	assert.True(t, res.LedgerApplied)
	assert.Equal(t, int64(25), balanceOf(t, store, "alice", "ETH"))
}

func TestDeposit_SubmitFailureLeavesLedgerUntouched(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	fx := newFixture(t, store)
	fx.adapter.submitErr = wrapErrors.New(wrapErrors.SubmissionErr, "node rejected")

	res, err := fx.orch.Execute(ctx, Request{
		UserID: "alice", Asset: "ETH", Amount: 25,
		Direction: entity.DirectionDeposit,
	})
	assert.Equal(t, wrapErrors.SubmissionErr, wrapErrors.CodeOf(err))
	assert.Equal(t, entity.StateFailedOnChain, res.State)
	assert.Equal(t, int64(0), balanceOf(t, store, "alice", "ETH"))
	// nothing moved on-chain, so there is nothing to compensate
	assert.False(t, res.LedgerApplied)
	assert.False(t, res.CompensationDue)
}

func TestDeposit_NonPositiveObservedAmount(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, ledger.NewMemoryStore())

	res, err := fx.orch.Execute(ctx, Request{
		UserID: "alice", Asset: "ETH", Amount: 0,
		Direction: entity.DirectionDeposit,
	})
	assert.Equal(t, wrapErrors.InvalidTransferParams, wrapErrors.CodeOf(err))
	assert.Equal(t, entity.StateFailedPrecheck, res.State)
	assert.Equal(t, 0, fx.adapter.buildCalls)
}

// The single most important failure case: the sweep landed on-chain but
// the credit failed. The persisted row must drive retries until the
// ledger catches up, and COMPLETE must never appear before LEDGER_APPLIED.
func TestDeposit_CreditFailureRetriedUntilApplied(t *testing.T) {
	ctx := context.Background()
	base := ledger.NewMemoryStore()
	flaky := &flakyLedger{Store: base, failCredits: 2}
	fx := newFixture(t, flaky)

	res, err := fx.orch.Execute(ctx, Request{
		UserID: "alice", Asset: "ETH", Amount: 25,
		Direction: entity.DirectionDeposit,
	})
	assert.Equal(t, wrapErrors.LedgerReconcileFailure, wrapErrors.CodeOf(err))

	stored := fx.results.get(res.ID)
	require.NotNil(t, stored)
	assert.Equal(t, entity.StateOnChainSub, stored.State)
	assert.False(t, stored.LedgerApplied)
	assert.Equal(t, "txref-001", stored.TxRef)

	rec := NewReconciler(fx.results, flaky, fx.logger, time.Minute)

	// first pass: credit still failing, row must stay pending
	require.NoError(t, rec.RunOnce(ctx))
	stored = fx.results.get(res.ID)
	assert.NotEqual(t, entity.StateComplete, stored.State)
	assert.False(t, stored.LedgerApplied)
	assert.Equal(t, int64(0), balanceOf(t, base, "alice", "ETH"))

	// second pass: credit sticks
	require.NoError(t, rec.RunOnce(ctx))
	stored = fx.results.get(res.ID)
	assert.Equal(t, entity.StateComplete, stored.State)
	assert.True(t, stored.LedgerApplied)
	assert.Equal(t, int64(25), balanceOf(t, base, "alice", "ETH"))
}

// A credit that lands while the row update keeps failing must not be
// applied again on later passes: one observed sweep, one credit, ever.
func TestDeposit_ReplayNeverDoubleCredits(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	results := newMemResults()

	row := &entity.TransferResult{
		UserID: "alice", Asset: "ETH", Chain: "eth",
		Direction: entity.DirectionDeposit, Amount: 25,
		TxRef: "txref-001", State: entity.StateOnChainSub,
	}
	_, err := results.Create(ctx, row)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	rec := NewReconciler(&failingUpdateResults{memResults: results}, store, logger, time.Minute)

	require.NoError(t, rec.RunOnce(ctx))
	require.NoError(t, rec.RunOnce(ctx))

	assert.Equal(t, int64(25), balanceOf(t, store, "alice", "ETH"))
}

// Same idempotency guarantee for withdrawal compensation replays.
func TestWithdraw_CompensationReplayNeverDoubleCredits(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	results := newMemResults()

	row := &entity.TransferResult{
		UserID: "alice", Asset: "ETH", Chain: "eth",
		Direction: entity.DirectionWithdrawal, Amount: 40,
		State: entity.StateFailedOnChain, LedgerApplied: true, CompensationDue: true,
	}
	_, err := results.Create(ctx, row)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	rec := NewReconciler(&failingUpdateResults{memResults: results}, store, logger, time.Minute)

	require.NoError(t, rec.RunOnce(ctx))
	require.NoError(t, rec.RunOnce(ctx))

	assert.Equal(t, int64(40), balanceOf(t, store, "alice", "ETH"))
}

// A transient marker-store failure after submission is retried and the
// sweep still completes.
func TestDeposit_MarkerCreateRetriedThenCredits(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	results := &flakyCreateResults{memResults: newMemResults(), failCreates: 2}
	adapter := &fakeAdapter{id: chain.ETH}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	orch := New(Options{
		Adapters: fakeAdapters{chain.ETH: adapter},
		Seeds:    fakeSeeds{},
		Ledger:   store,
		Results:  results,
		Wallets: fakeWallets{
			"alice/eth": {UserID: "alice", Chain: "eth", Address: "0xalice", Index: 0},
		},
		Commons: fakeCommons{"eth": {Chain: "eth", Address: "0xpool"}},
		Logger:  logger,
	})

	res, err := orch.Execute(ctx, Request{
		UserID: "alice", Asset: "ETH", Amount: 25,
		Direction: entity.DirectionDeposit,
	})
	require.NoError(t, err)
	assert.Equal(t, entity.StateComplete, res.State)
	assert.Equal(t, 3, results.creates)
	assert.Equal(t, int64(25), balanceOf(t, store, "alice", "ETH"))
}

// With no durable marker the credit is withheld: an unmarked credit
// failure would leave swept funds untracked.
func TestDeposit_NoMarkerNoCredit(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	results := &flakyCreateResults{memResults: newMemResults(), failCreates: 10}
	adapter := &fakeAdapter{id: chain.ETH}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	orch := New(Options{
		Adapters: fakeAdapters{chain.ETH: adapter},
		Seeds:    fakeSeeds{},
		Ledger:   store,
		Results:  results,
		Wallets: fakeWallets{
			"alice/eth": {UserID: "alice", Chain: "eth", Address: "0xalice", Index: 0},
		},
		Commons: fakeCommons{"eth": {Chain: "eth", Address: "0xpool"}},
		Logger:  logger,
	})

	res, err := orch.Execute(ctx, Request{
		UserID: "alice", Asset: "ETH", Amount: 25,
		Direction: entity.DirectionDeposit,
	})
	assert.Equal(t, wrapErrors.LedgerReconcileFailure, wrapErrors.CodeOf(err))
	assert.Equal(t, entity.StateOnChainSub, res.State)
	assert.Equal(t, "txref-001", res.TxRef)
	assert.Equal(t, int64(0), balanceOf(t, store, "alice", "ETH"))
}

func TestExecute_UnknownDirection(t *testing.T) {
	fx := newFixture(t, ledger.NewMemoryStore())
	_, err := fx.orch.Execute(context.Background(), Request{
		UserID: "alice", Asset: "ETH", Amount: 1, Direction: "sideways",
	})
	assert.Equal(t, wrapErrors.InvalidTransferParams, wrapErrors.CodeOf(err))
}

func TestExecute_UnsupportedAsset(t *testing.T) {
	fx := newFixture(t, ledger.NewMemoryStore())
	_, err := fx.orch.Execute(context.Background(), Request{
		UserID: "alice", Asset: "DOGE", Amount: 1, Direction: entity.DirectionWithdrawal, Destination: "x",
	})
	assert.Equal(t, wrapErrors.UnsupportedChain, wrapErrors.CodeOf(err))
}
