package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"periodontal-analyzer/imaging"
	"periodontal-analyzer/models"

	"github.com/jknair0/beforeeach"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNormalizer struct{}

func (fakeNormalizer) Normalize(ctx context.Context, img models.UploadedImage) (*imaging.EmbeddedImage, error) {
	if strings.HasPrefix(img.FileName, "broken") {
		return nil, &imaging.ConversionError{FileName: img.FileName, Err: errors.New("bad box")}
	}
	return &imaging.EmbeddedImage{MimeType: "image/jpeg", Data: img.Data, FileName: img.FileName}, nil
}

type fakeClassifier struct {
	mu       sync.Mutex
	symptoms map[string][]string
	release  chan struct{}
	inFlight atomic.Int32
	peak     atomic.Int32
	failFor  string
	panicFor string
}

func (f *fakeClassifier) ClassifyWithRetry(ctx context.Context, img imaging.EmbeddedImage, symptoms []string) (*models.ClassificationResult, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	f.mu.Lock()
	f.symptoms[img.FileName] = symptoms
	f.mu.Unlock()

	if f.release != nil {
		<-f.release
	}
	switch img.FileName {
	case f.failFor:
		return nil, errors.New("The model is overloaded. Please try again later.")
	case f.panicFor:
		panic("boom")
	}
	return &models.ClassificationResult{
		HasPeriodontalDisease: true,
		Classification:        models.CategoryDiabeticModerate,
		Confidence:            0.82,
		Name:                  img.FileName,
	}, nil
}

var (
	store      *Store
	classifier *fakeClassifier
)

func setUp() {
	store = NewStore()
	classifier = &fakeClassifier{symptoms: map[string][]string{}}
}

func tearDown() {
	store = nil
	classifier = nil
}

var it = beforeeach.Create(setUp, tearDown)

func files(names ...string) []models.UploadedImage {
	out := make([]models.UploadedImage, len(names))
	for i, name := range names {
		out[i] = models.NewUploadedImage(name, "image/jpeg", time.UnixMilli(int64(1700000000000+i)), []byte(name))
	}
	return out
}

func wait(t *testing.T, run *Run) []models.ImageItemState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := run.Wait(ctx)
	require.NoError(t, err)
	return final
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	it(func() {
		o := NewOrchestrator(store, fakeNormalizer{}, classifier)

		run := o.ProcessBatch(context.Background(), files("one.jpg", "broken.heic", "three.jpg"), nil)
		final := wait(t, run)

		require.Len(t, final, 3)
		assert.Equal(t, models.StatusDone, final[0].Status)
		assert.Equal(t, models.StatusError, final[1].Status)
		assert.Equal(t, "Failed to convert HEIC image.", final[1].Error)
		assert.Empty(t, final[1].DataURI)
		assert.Equal(t, models.StatusDone, final[2].Status)

		for _, item := range store.Snapshot() {
			assert.True(t, item.Status.IsTerminal(), item.ID)
			assert.True(t, (item.Result == nil) != (item.Error == ""), "exactly one of result and error for %s", item.ID)
		}
		assert.Len(t, store.DoneResults(), 2)
	})
}

func TestProcessBatchStreamsEveryTransition(t *testing.T) {
	it(func() {
		o := NewOrchestrator(store, fakeNormalizer{}, classifier)
		run := o.ProcessBatch(context.Background(), files("one.jpg", "broken.png"), []string{"Loose or shifting teeth"})

		seen := map[string][]models.Status{}
		for update := range run.Updates {
			seen[update.FileName] = append(seen[update.FileName], update.Status)
		}

		assert.Equal(t, []models.Status{
			models.StatusPending, models.StatusNormalizing, models.StatusClassifying, models.StatusDone,
		}, seen["one.jpg"])
		assert.Equal(t, []models.Status{
			models.StatusPending, models.StatusNormalizing, models.StatusError,
		}, seen["broken.png"])
	})
}

func TestProcessBatchAdvancesToNormalizingImmediately(t *testing.T) {
	it(func() {
		classifier.release = make(chan struct{})
		o := NewOrchestrator(store, fakeNormalizer{}, classifier, WithConcurrencyLimit(1))

		run := o.ProcessBatch(context.Background(), files("a.jpg", "b.jpg"), nil)
		for _, item := range run.Items {
			assert.Equal(t, models.StatusPending, item.Status)
		}
		for _, item := range store.Snapshot() {
			assert.NotEqual(t, models.StatusPending, item.Status)
		}

		close(classifier.release)
		wait(t, run)
	})
}

func TestProcessBatchRunsItemsConcurrently(t *testing.T) {
	it(func() {
		classifier.release = make(chan struct{})
		o := NewOrchestrator(store, fakeNormalizer{}, classifier)

		run := o.ProcessBatch(context.Background(), files("a.jpg", "b.jpg", "c.jpg"), nil)
		require.Eventually(t, func() bool { return classifier.inFlight.Load() == 3 }, 5*time.Second, time.Millisecond)

		close(classifier.release)
		wait(t, run)
		assert.Equal(t, int32(3), classifier.peak.Load())
	})
}

func TestProcessBatchConcurrencyLimit(t *testing.T) {
	it(func() {
		o := NewOrchestrator(store, fakeNormalizer{}, classifier, WithConcurrencyLimit(1))

		wait(t, o.ProcessBatch(context.Background(), files("a.jpg", "b.jpg", "c.jpg"), nil))
		assert.Equal(t, int32(1), classifier.peak.Load())
	})
}

func TestProcessBatchFreezesSymptoms(t *testing.T) {
	it(func() {
		o := NewOrchestrator(store, fakeNormalizer{}, classifier)
		symptoms := []string{"Bleeding while brushing or flossing"}

		run := o.ProcessBatch(context.Background(), files("a.jpg"), symptoms)
		symptoms[0] = "changed after submission"
		final := wait(t, run)

		assert.Equal(t, []string{"Bleeding while brushing or flossing"}, classifier.symptoms["a.jpg"])
		assert.Equal(t, []string{"Bleeding while brushing or flossing"}, final[0].Symptoms)
	})
}

func TestProcessBatchContainsClassifierFailures(t *testing.T) {
	it(func() {
		classifier.failFor = "overloaded.jpg"
		classifier.panicFor = "panics.jpg"
		var finished atomic.Int32
		o := NewOrchestrator(store, fakeNormalizer{}, classifier,
			WithFinishHook(func(models.ImageItemState) { finished.Add(1) }))

		final := wait(t, o.ProcessBatch(context.Background(), files("overloaded.jpg", "panics.jpg", "ok.jpg"), nil))

		assert.Equal(t, models.StatusError, final[0].Status)
		assert.Equal(t, "The model is overloaded. Please try again later.", final[0].Error)
		assert.Equal(t, models.StatusError, final[1].Status)
		assert.Contains(t, final[1].Error, "boom")
		assert.Equal(t, models.StatusDone, final[2].Status)
		assert.Equal(t, int32(3), finished.Load())
	})
}

func TestProcessBatchSurvivesPanickingFinishHook(t *testing.T) {
	it(func() {
		var calls atomic.Int32
		o := NewOrchestrator(store, fakeNormalizer{}, classifier,
			WithFinishHook(func(models.ImageItemState) {
				calls.Add(1)
				panic("hook failed")
			}))

		final := wait(t, o.ProcessBatch(context.Background(), files("a.jpg", "b.jpg"), nil))

		require.Len(t, final, 2)
		assert.Equal(t, models.StatusDone, final[0].Status)
		assert.Equal(t, models.StatusDone, final[1].Status)
		assert.Equal(t, int32(2), calls.Load())
	})
}

func TestOrchestratorWaitCoversFinishHooks(t *testing.T) {
	it(func() {
		var finished atomic.Int32
		o := NewOrchestrator(store, fakeNormalizer{}, classifier,
			WithFinishHook(func(models.ImageItemState) {
				time.Sleep(20 * time.Millisecond)
				finished.Add(1)
			}))

		o.ProcessBatch(context.Background(), files("a.jpg", "b.jpg", "c.jpg"), nil)
		o.Wait()

		assert.Equal(t, int32(3), finished.Load())
	})
}

func TestProcessBatchAppends(t *testing.T) {
	it(func() {
		o := NewOrchestrator(store, fakeNormalizer{}, classifier)

		wait(t, o.ProcessBatch(context.Background(), files("a.jpg", "b.jpg"), nil))
		wait(t, o.ProcessBatch(context.Background(), files("c.jpg"), nil))

		snapshot := store.Snapshot()
		require.Len(t, snapshot, 3)
		assert.Equal(t, "a.jpg", snapshot[0].FileName)
		assert.Equal(t, "c.jpg", snapshot[2].FileName)
	})
}

func TestProcessBatchDeduplicatesIdentity(t *testing.T) {
	it(func() {
		o := NewOrchestrator(store, fakeNormalizer{}, classifier)
		dup := files("a.jpg")
		dup = append(dup, dup[0])

		final := wait(t, o.ProcessBatch(context.Background(), dup, nil))
		assert.Len(t, final, 1)
		assert.Len(t, store.Snapshot(), 1)
	})
}

func TestLateResultsAfterClearAreDropped(t *testing.T) {
	it(func() {
		classifier.release = make(chan struct{})
		o := NewOrchestrator(store, fakeNormalizer{}, classifier)

		old := o.ProcessBatch(context.Background(), files("old.jpg"), nil)
		require.Eventually(t, func() bool { return classifier.inFlight.Load() == 1 }, 5*time.Second, time.Millisecond)

		store.Clear()
		fresh := o.ProcessBatch(context.Background(), files("new.jpg"), nil)

		close(classifier.release)
		oldFinal := wait(t, old)
		wait(t, fresh)

		assert.Equal(t, models.StatusDone, oldFinal[0].Status, "the old run still completes on its own stream")
		snapshot := store.Snapshot()
		require.Len(t, snapshot, 1)
		assert.Equal(t, "new.jpg", snapshot[0].FileName)
		assert.Equal(t, models.StatusDone, snapshot[0].Status)
	})
}

func TestStoreSubscribe(t *testing.T) {
	it(func() {
		updates, cancel := store.Subscribe(16)
		o := NewOrchestrator(store, fakeNormalizer{}, classifier)

		wait(t, o.ProcessBatch(context.Background(), files("a.jpg"), nil))
		cancel()

		var statuses []models.Status
		for u := range updates {
			statuses = append(statuses, u.Status)
		}
		assert.Equal(t, []models.Status{
			models.StatusPending, models.StatusNormalizing, models.StatusClassifying, models.StatusDone,
		}, statuses)
	})
}

func TestRunWaitHonoursContext(t *testing.T) {
	it(func() {
		classifier.release = make(chan struct{})
		o := NewOrchestrator(store, fakeNormalizer{}, classifier)
		run := o.ProcessBatch(context.Background(), files("a.jpg"), nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := run.Wait(ctx)
		assert.ErrorIs(t, err, context.Canceled)

		close(classifier.release)
		<-run.Done()
	})
}
