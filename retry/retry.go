// Package retry bounds classification attempts against transient
// overload/unavailability failures of the remote model.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"periodontal-analyzer/imaging"
	"periodontal-analyzer/llm"
	"periodontal-analyzer/metrics"
	"periodontal-analyzer/models"

	"github.com/apex/log"
	"github.com/juju/clock"
)

const (
	DefaultMaxAttempts = 3
	DefaultDelay       = 2 * time.Second
)

// Classifier performs a single classification attempt.
type Classifier interface {
	Classify(ctx context.Context, img imaging.EmbeddedImage, symptoms []string) (*models.ClassificationResult, error)
}

// Policy is a fixed-delay retry policy.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultPolicy allows three attempts two seconds apart.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Delay: DefaultDelay}
}

// Controller wraps a Classifier with the retry policy. Attempts of one call
// are strictly sequential.
type Controller struct {
	classifier Classifier
	policy     Policy
	clock      clock.Clock
}

// NewController returns a Controller. A nil clock means the wall clock.
func NewController(classifier Classifier, policy Policy, clk clock.Clock) *Controller {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Delay < 0 {
		policy.Delay = 0
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Controller{classifier: classifier, policy: policy, clock: clk}
}

// ClassifyWithRetry classifies img, retrying retryable failures after the
// policy delay. Non-retryable failures return immediately; once attempts are
// exhausted the last failure is returned.
func (c *Controller) ClassifyWithRetry(ctx context.Context, img imaging.EmbeddedImage, symptoms []string) (*models.ClassificationResult, error) {
	logger := log.WithField("file", img.FileName)

	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		result, err := c.classifier.Classify(ctx, img, symptoms)
		if err == nil {
			metrics.ClassificationAttemptsTotal.WithLabelValues("success").Inc()
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			metrics.ClassificationAttemptsTotal.WithLabelValues("permanent").Inc()
			return nil, err
		}
		metrics.ClassificationAttemptsTotal.WithLabelValues("transient").Inc()
		if attempt == c.policy.MaxAttempts {
			break
		}

		logger.Warnf("Attempt %d/%d failed with a transient error, retrying in %s: %v",
			attempt, c.policy.MaxAttempts, c.policy.Delay, err)
		metrics.ClassificationRetriesTotal.Inc()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(c.policy.Delay):
		}
	}

	logger.Errorf("Classification failed after %d attempts: %v", c.policy.MaxAttempts, lastErr)
	return nil, lastErr
}

// transientSignals are matched case-insensitively against errors that carry
// no structured status.
var transientSignals = []string{
	"503",
	"model is overloaded",
	"service unavailable",
}

// IsRetryable classifies err. A structured *llm.APIError decides by status
// code; only unstructured errors fall back to text matching, which is
// fragile by nature. Invalid model output and context errors never retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, llm.ErrInvalidModelOutput) {
		return false
	}

	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}

	msg := strings.ToLower(err.Error())
	for _, signal := range transientSignals {
		if strings.Contains(msg, signal) {
			return true
		}
	}
	return false
}
