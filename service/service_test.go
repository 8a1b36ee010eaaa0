package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"periodontal-analyzer/batch"
	"periodontal-analyzer/classifier"
	"periodontal-analyzer/imaging"
	"periodontal-analyzer/llm"
	"periodontal-analyzer/models"
	"periodontal-analyzer/retry"
	"periodontal-analyzer/summary"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModel struct {
	mu              sync.Mutex
	classifyCalls   int
	summarizeCalls  int
	lastSymptoms    []string
	lastSummaryReq  llm.SummarizeRequest
	classifyPayload string
}

func (f *fakeModel) SourceName() string { return "Fake" }

func (f *fakeModel) Classify(ctx context.Context, req llm.ClassifyRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.classifyCalls++
	f.lastSymptoms = req.Symptoms
	return f.classifyPayload, nil
}

func (f *fakeModel) Summarize(ctx context.Context, req llm.SummarizeRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summarizeCalls++
	f.lastSummaryReq = req
	return `{"summary": "One image shows moderate periodontal disease in a diabetic patient. A dental visit is recommended."}`, nil
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 180, B: 170, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func newTestService(t *testing.T) (*Service, *fakeModel) {
	t.Helper()
	model := &fakeModel{
		classifyPayload: `{"hasPeriodontalDisease": true, "classification": "diabetic_moderate", "confidence": 0.82}`,
	}
	controller := retry.NewController(classifier.New(model, false), retry.DefaultPolicy(), nil)
	svc := NewService(imaging.NewNormalizer(imaging.Options{}), controller, summary.New(model))
	t.Cleanup(svc.Stop)
	return svc, model
}

func TestProcessImageAndSummarize(t *testing.T) {
	svc, model := newTestService(t)
	ctx := context.Background()
	dataURI := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegBytes(t))

	result, err := svc.ProcessImage(ctx, dataURI, "scan.jpg", []string{"Bleeding while brushing or flossing", "", " gums feel  swollen "})
	require.NoError(t, err)
	assert.True(t, result.HasPeriodontalDisease)
	assert.Equal(t, models.CategoryDiabeticModerate, result.Classification)
	assert.InDelta(t, 0.82, result.Confidence, 1e-9)
	assert.Equal(t, "scan.jpg", result.Name)
	assert.Equal(t, []string{"Bleeding while brushing or flossing", " gums feel  swollen "}, model.lastSymptoms)

	sum, err := svc.GetSummary(ctx, summary.EntriesFromResults([]models.ClassificationResult{*result}))
	require.NoError(t, err)
	assert.NotEmpty(t, sum.Summary)
	assert.Equal(t, summary.StudyDetails, model.lastSummaryReq.StudyDetails)
	require.Len(t, model.lastSummaryReq.Results, 1)
	assert.Equal(t, "scan.jpg", model.lastSummaryReq.Results[0].ImageName)
}

func TestProcessImageRejectsBadInput(t *testing.T) {
	svc, model := newTestService(t)

	_, err := svc.ProcessImage(context.Background(), "not a data uri", "scan.jpg", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.ProcessImage(context.Background(), "data:text/plain;base64,aGVsbG8=", "notes.txt", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.ErrorIs(t, err, imaging.ErrUnsupportedMedia)

	assert.Zero(t, model.classifyCalls)
}

func TestGetSummaryWithoutResults(t *testing.T) {
	svc, model := newTestService(t)

	_, err := svc.GetSummary(context.Background(), nil)
	assert.ErrorIs(t, err, summary.ErrNoResults)

	_, err = svc.SummarizeItems(context.Background())
	assert.ErrorIs(t, err, summary.ErrNoResults)

	assert.Zero(t, model.summarizeCalls)
}

func TestBatchLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	files := []models.UploadedImage{
		models.NewUploadedImage("scan.jpg", "image/jpeg", time.UnixMilli(1700000000000), jpegBytes(t)),
		models.NewUploadedImage("broken.jpg", "image/jpeg", time.UnixMilli(1700000000001), nil),
	}
	run, err := svc.StartBatch(files, []string{"Bleeding while brushing or flossing"})
	require.NoError(t, err)
	final, err := run.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, final, 2)
	assert.Equal(t, models.StatusDone, final[0].Status)
	assert.Equal(t, models.StatusError, final[1].Status)

	items := svc.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "scan.jpg-1700000000000", items[0].ID)
	assert.Equal(t, models.CategoryDiabeticModerate, items[0].Result.Classification)

	sum, err := svc.SummarizeItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, sum, svc.LastSummary())

	svc.ClearItems()
	assert.Empty(t, svc.Items())
	assert.Nil(t, svc.LastSummary())
}

func TestStartBatchDiscardsLastSummary(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := svc.StartBatch([]models.UploadedImage{
		models.NewUploadedImage("a.jpg", "image/jpeg", time.UnixMilli(1), jpegBytes(t)),
	}, nil)
	require.NoError(t, err)
	_, err = first.Wait(ctx)
	require.NoError(t, err)
	_, err = svc.SummarizeItems(ctx)
	require.NoError(t, err)
	require.NotNil(t, svc.LastSummary())

	second, err := svc.StartBatch([]models.UploadedImage{
		models.NewUploadedImage("b.jpg", "image/jpeg", time.UnixMilli(2), jpegBytes(t)),
	}, nil)
	require.NoError(t, err)
	assert.Nil(t, svc.LastSummary())
	_, err = second.Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, svc.Items(), 2)
}

func TestSubscribeSeesBatchUpdates(t *testing.T) {
	svc, _ := newTestService(t)
	updates, cancel := svc.Subscribe(16)
	defer cancel()

	_, err := svc.StartBatch([]models.UploadedImage{
		models.NewUploadedImage("scan.jpg", "image/jpeg", time.UnixMilli(1), jpegBytes(t)),
	}, nil)
	require.NoError(t, err)

	var seen []models.Status
	timeout := time.After(5 * time.Second)
	for len(seen) == 0 || seen[len(seen)-1] != models.StatusDone {
		select {
		case state := <-updates:
			seen = append(seen, state.Status)
		case <-timeout:
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	assert.Equal(t, []models.Status{
		models.StatusPending,
		models.StatusNormalizing,
		models.StatusClassifying,
		models.StatusDone,
	}, seen)
}

func TestBatchConvertsCameraRaw(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data, err := os.ReadFile("../imaging/testdata/scan.heic")
	require.NoError(t, err)

	run, err := svc.StartBatch([]models.UploadedImage{
		models.NewUploadedImage("IMG_0042.HEIC", "", time.UnixMilli(1), data),
	}, nil)
	require.NoError(t, err)
	final, err := run.Wait(ctx)
	require.NoError(t, err)

	require.Len(t, final, 1)
	require.Equal(t, models.StatusDone, final[0].Status, final[0].Error)
	assert.Equal(t, "IMG_0042.jpg", final[0].Result.Name)
	assert.True(t, strings.HasPrefix(final[0].DataURI, "data:image/jpeg;base64,"))
}

// blockingClassifier holds every call until its context is cancelled.
type blockingClassifier struct {
	started chan struct{}
}

func (b *blockingClassifier) ClassifyWithRetry(ctx context.Context, img imaging.EmbeddedImage, symptoms []string) (*models.ClassificationResult, error) {
	b.started <- struct{}{}
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	return nil, ctx.Err()
}

func TestStopWaitsForRunningItems(t *testing.T) {
	var finished atomic.Int32
	cls := &blockingClassifier{started: make(chan struct{}, 1)}
	model := &fakeModel{}
	svc := NewService(imaging.NewNormalizer(imaging.Options{}), cls, summary.New(model),
		batch.WithFinishHook(func(models.ImageItemState) { finished.Add(1) }))

	_, err := svc.StartBatch([]models.UploadedImage{
		models.NewUploadedImage("scan.jpg", "image/jpeg", time.UnixMilli(1), jpegBytes(t)),
	}, nil)
	require.NoError(t, err)

	select {
	case <-cls.started:
	case <-time.After(5 * time.Second):
		t.Fatal("classification never started")
	}

	svc.Stop()
	assert.Equal(t, int32(1), finished.Load(), "finish hooks complete before Stop returns")

	_, err = svc.StartBatch([]models.UploadedImage{
		models.NewUploadedImage("late.jpg", "image/jpeg", time.UnixMilli(2), jpegBytes(t)),
	}, nil)
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, int32(1), finished.Load())
}
