package transfer

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencustody/custody_service/chain"
	wrapErrors "github.com/opencustody/custody_service/errors"
)

// seqAdapter returns errs in order, then succeeds.
type seqAdapter struct {
	errs  []error
	calls int
}

func (a *seqAdapter) ID() chain.ChainID { return chain.SOL }

func (a *seqAdapter) DeriveKeypair(seed []byte, index uint32) (*chain.Keypair, error) {
	return chain.NewKeypair("addr", nil), nil
}

func (a *seqAdapter) BuildTransaction(ctx context.Context, from, to string, amount int64) (chain.UnsignedTx, error) {
	return fakeTx{id: chain.SOL}, nil
}

func (a *seqAdapter) SignAndSubmit(ctx context.Context, tx chain.UnsignedTx, key *chain.Keypair) (string, error) {
	a.calls++
	if a.calls <= len(a.errs) {
		return "", a.errs[a.calls-1]
	}
	return "sig", nil
}

func testRetryer(attempts int) *SubmitRetryer {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewSubmitRetryer(RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}, logger)
}

func TestSubmitRetryer_RetriesTransientThenSucceeds(t *testing.T) {
	transient := wrapErrors.New(wrapErrors.SubmissionErr, "flaky node")
	adapter := &seqAdapter{errs: []error{transient, transient}}

	ref, err := testRetryer(5).Submit(context.Background(), adapter, fakeTx{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "sig", ref)
	assert.Equal(t, 3, adapter.calls)
}

func TestSubmitRetryer_ExhaustsBudget(t *testing.T) {
	transient := wrapErrors.New(wrapErrors.SubmissionErr, "flaky node")
	adapter := &seqAdapter{errs: []error{transient, transient, transient, transient}}

	_, err := testRetryer(2).Submit(context.Background(), adapter, fakeTx{}, nil)
	assert.Equal(t, wrapErrors.SubmissionErr, wrapErrors.CodeOf(err))
	assert.Equal(t, 2, adapter.calls)
}

func TestSubmitRetryer_StopsOnNonRetryable(t *testing.T) {
	adapter := &seqAdapter{errs: []error{
		wrapErrors.New(wrapErrors.InvalidTransferParams, "bad address"),
	}}

	_, err := testRetryer(5).Submit(context.Background(), adapter, fakeTx{}, nil)
	assert.Equal(t, wrapErrors.InvalidTransferParams, wrapErrors.CodeOf(err))
	assert.Equal(t, 1, adapter.calls)
}

func TestSubmitRetryer_StopsOnUnknownOutcome(t *testing.T) {
	adapter := &seqAdapter{errs: []error{
		wrapErrors.WrapWithCode(wrapErrors.SubmissionUnknown, "send", context.DeadlineExceeded),
	}}

	// re-sending a possibly-included transaction is not safe
	_, err := testRetryer(5).Submit(context.Background(), adapter, fakeTx{}, nil)
	assert.Equal(t, wrapErrors.SubmissionUnknown, wrapErrors.CodeOf(err))
	assert.Equal(t, 1, adapter.calls)
}

func TestSubmitRetryer_HonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	adapter := &seqAdapter{}
	_, err := testRetryer(3).Submit(ctx, adapter, fakeTx{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, adapter.calls)
}
