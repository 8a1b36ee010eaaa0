package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"periodontal-analyzer/imaging"
	"periodontal-analyzer/llm"
	"periodontal-analyzer/models"

	"github.com/jknair0/beforeeach"
	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedClassifier returns the scripted errors in order, then success.
type scriptedClassifier struct {
	mu       sync.Mutex
	errs     []error
	attempts int
}

func (s *scriptedClassifier) Classify(ctx context.Context, img imaging.EmbeddedImage, symptoms []string) (*models.ClassificationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts <= len(s.errs) {
		return nil, s.errs[s.attempts-1]
	}
	return &models.ClassificationResult{Classification: models.CategoryDiabeticMild, Confidence: 0.7, Name: img.FileName}, nil
}

// recordingClock fires every delay immediately and records its length.
type recordingClock struct {
	clock.Clock
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingClock) After(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

var img = imaging.EmbeddedImage{MimeType: "image/png", Data: []byte{1}, FileName: "a.png"}

var overloaded = &llm.APIError{Provider: "Gemini", StatusCode: 503, Message: "The model is overloaded."}

var clk *recordingClock

func setUp() {
	clk = &recordingClock{Clock: clock.WallClock}
}

func tearDown() {
	clk = nil
}

var it = beforeeach.Create(setUp, tearDown)

func TestClassifyWithRetry(t *testing.T) {
	testCases := []struct {
		name         string
		errs         []error
		wantErr      error
		wantAttempts int
		wantDelays   int
	}{
		{
			name:         "success on first attempt",
			wantAttempts: 1,
		},
		{
			name:         "two transient failures then success",
			errs:         []error{overloaded, overloaded},
			wantAttempts: 3,
			wantDelays:   2,
		},
		{
			name:         "non-retryable failure aborts immediately",
			errs:         []error{llm.InvalidOutput("missing confidence")},
			wantErr:      llm.ErrInvalidModelOutput,
			wantAttempts: 1,
		},
		{
			name:         "exhaustion propagates the last failure",
			errs:         []error{overloaded, errors.New("Service Unavailable"), errors.New("503 again")},
			wantAttempts: 3,
			wantDelays:   2,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			it(func() {
				fake := &scriptedClassifier{errs: tc.errs}
				c := NewController(fake, DefaultPolicy(), clk)

				result, err := c.ClassifyWithRetry(context.Background(), img, nil)

				assert.Equal(t, tc.wantAttempts, fake.attempts)
				require.Len(t, clk.delays, tc.wantDelays)
				for _, d := range clk.delays {
					assert.Equal(t, 2000*time.Millisecond, d)
				}

				switch {
				case tc.wantErr != nil:
					assert.ErrorIs(t, err, tc.wantErr)
				case tc.wantAttempts > len(tc.errs):
					require.NoError(t, err)
					assert.Equal(t, "a.png", result.Name)
				default:
					assert.Equal(t, tc.errs[len(tc.errs)-1].Error(), err.Error())
				}
			})
		})
	}
}

func TestClassifyWithRetryWaitsOnClock(t *testing.T) {
	tc := testclock.NewClock(time.Now())
	fake := &scriptedClassifier{errs: []error{overloaded}}
	c := NewController(fake, DefaultPolicy(), tc)

	type outcome struct {
		result *models.ClassificationResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := c.ClassifyWithRetry(context.Background(), img, nil)
		done <- outcome{r, err}
	}()

	require.NoError(t, tc.WaitAdvance(DefaultDelay, 5*time.Second, 1))

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, models.CategoryDiabeticMild, out.result.Classification)
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not resume after the clock advanced")
	}
}

func TestClassifyWithRetryCancelledDuringDelay(t *testing.T) {
	tc := testclock.NewClock(time.Now())
	fake := &scriptedClassifier{errs: []error{overloaded, overloaded}}
	c := NewController(fake, DefaultPolicy(), tc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.ClassifyWithRetry(ctx, img, nil)
		done <- err
	}()

	// Wait until the controller is blocked on the delay, then cancel.
	select {
	case <-tc.Alarms():
	case <-time.After(5 * time.Second):
		t.Fatal("controller never waited")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, fake.attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation was not observed")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed 503", overloaded, true},
		{"wrapped typed 503", fmt.Errorf("classify: %w", overloaded), true},
		{"typed 500 with overload text", &llm.APIError{StatusCode: 500, Message: "model is overloaded"}, false},
		{"typed 429", &llm.APIError{StatusCode: 429, Message: "quota"}, false},
		{"text 503", errors.New("[GoogleGenerativeAI Error]: [503 ] upstream"), true},
		{"text overloaded", errors.New("The model is overloaded. Please try again later."), true},
		{"text unavailable", errors.New("Service Unavailable"), true},
		{"network error", errors.New("dial tcp: connection refused"), false},
		{"invalid output", llm.InvalidOutput("service unavailable"), false},
		{"cancelled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
