package transfer

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opencustody/custody_service/chain"
	wrapErrors "github.com/opencustody/custody_service/errors"
)

// RetryConfig bounds submission retries. Only SUBMISSION_ERROR is retried;
// an unknown outcome stops immediately because re-sending a transaction
// that may already be included is not safe.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	JitterRange float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
		JitterRange: 0.1,
	}
}

// SubmitRetryer drives SignAndSubmit with exponential backoff and jitter.
type SubmitRetryer struct {
	config RetryConfig
	logger *logrus.Logger
	rng    *rand.Rand
}

func NewSubmitRetryer(config RetryConfig, logger *logrus.Logger) *SubmitRetryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 1.0 {
		config.Multiplier = 2.0
	}
	if config.JitterRange < 0 || config.JitterRange > 1.0 {
		config.JitterRange = 0.1
	}
	return &SubmitRetryer{
		config: config,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Submit runs adapter.SignAndSubmit until it succeeds, fails terminally,
// or the attempt budget runs out.
func (r *SubmitRetryer) Submit(ctx context.Context, adapter chain.Adapter, tx chain.UnsignedTx, key *chain.Keypair) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		txRef, err := adapter.SignAndSubmit(ctx, tx, key)
		if err == nil {
			return txRef, nil
		}
		lastErr = err

		if wrapErrors.CodeOf(err) != wrapErrors.SubmissionErr {
			return "", err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.backoff(attempt)
		r.logger.WithFields(logrus.Fields{
			"chain":   adapter.ID(),
			"attempt": attempt,
			"delay":   delay,
		}).WithError(err).Warn("submission failed, retrying")

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}

	return "", lastErr
}

func (r *SubmitRetryer) backoff(attempt int) time.Duration {
	delay := float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	jitter := delay * r.config.JitterRange * (2*r.rng.Float64() - 1)
	return time.Duration(delay + jitter)
}
