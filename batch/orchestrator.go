// Package batch fans classification out over a set of uploads and tracks
// every item through pending, normalizing, classifying and done or error.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"periodontal-analyzer/imaging"
	"periodontal-analyzer/metrics"
	"periodontal-analyzer/models"

	"github.com/apex/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Normalizer turns an upload into an embedded image.
type Normalizer interface {
	Normalize(ctx context.Context, img models.UploadedImage) (*imaging.EmbeddedImage, error)
}

// Classifier classifies one embedded image, retrying as it sees fit.
type Classifier interface {
	ClassifyWithRetry(ctx context.Context, img imaging.EmbeddedImage, symptoms []string) (*models.ClassificationResult, error)
}

// Orchestrator runs batches against a Store.
type Orchestrator struct {
	store      *Store
	normalizer Normalizer
	classifier Classifier
	limit      int
	now        func() time.Time
	onFinish   func(models.ImageItemState)

	running sync.WaitGroup
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithConcurrencyLimit caps the number of item pipelines running at once.
// Zero or less runs every item concurrently.
func WithConcurrencyLimit(n int) Option {
	return func(o *Orchestrator) { o.limit = n }
}

// WithFinishHook registers fn to be called with every terminal item state.
func WithFinishHook(fn func(models.ImageItemState)) Option {
	return func(o *Orchestrator) { o.onFinish = fn }
}

// WithNow overrides the time source used for UpdatedAt.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(store *Store, normalizer Normalizer, classifier Classifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		normalizer: normalizer,
		classifier: classifier,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run is one submitted batch.
type Run struct {
	ID         string
	Generation uint64
	// Items are the admitted items in submission order.
	Items []models.ImageItemState
	// Updates carries every state change of this batch as it happens and is
	// closed once all items are terminal.
	Updates <-chan models.ImageItemState

	done  chan struct{}
	final []models.ImageItemState
}

// Done is closed when every item of the run is terminal.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run completes and returns the terminal states in
// submission order. It does not consume Updates.
func (r *Run) Wait(ctx context.Context) ([]models.ImageItemState, error) {
	select {
	case <-r.done:
		return r.final, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ProcessBatch admits files as pending items, advances them to normalizing
// and launches one pipeline per item. The symptom list is copied once and
// frozen on every item. A failing item never affects its siblings.
//
// ctx is handed to the pipelines; it should outlive the caller's request.
func (o *Orchestrator) ProcessBatch(ctx context.Context, files []models.UploadedImage, symptoms []string) *Run {
	files = dedupe(files)
	frozen := models.CleanSymptoms(symptoms)
	batchID := uuid.NewString()

	// pending, normalizing, classifying and a terminal state per item.
	updates := make(chan models.ImageItemState, 4*len(files))
	run := &Run{
		ID:      batchID,
		Updates: updates,
		done:    make(chan struct{}),
		final:   make([]models.ImageItemState, len(files)),
	}

	admitted, generation := o.store.Admit(batchID, files, frozen, o.now())
	run.Generation = generation
	run.Items = admitted

	pipelines := make([]*pipeline, len(admitted))
	for i, state := range admitted {
		updates <- state
		p := &pipeline{o: o, run: run, state: state, updates: updates, started: o.now()}
		p.advance(Event{To: models.StatusNormalizing})
		pipelines[i] = p
	}

	log.WithFields(log.Fields{
		"batch_id":   batchID,
		"items":      len(files),
		"generation": generation,
	}).Info("Batch started")

	o.running.Add(1)
	go func() {
		defer o.running.Done()

		var g errgroup.Group
		if o.limit > 0 {
			g.SetLimit(o.limit)
		}
		for i, p := range pipelines {
			i, p, file := i, p, files[i]
			g.Go(func() error {
				run.final[i] = p.process(ctx, file, frozen)
				return nil
			})
		}
		_ = g.Wait()

		close(updates)
		close(run.done)
		log.WithField("batch_id", batchID).Info("Batch finished")
	}()

	return run
}

// Wait blocks until every run started so far, finish hooks included, has
// completed. It must not race with new ProcessBatch calls.
func (o *Orchestrator) Wait() {
	o.running.Wait()
}

// dedupe keeps the last upload of every identity, in first-seen order.
func dedupe(files []models.UploadedImage) []models.UploadedImage {
	index := make(map[string]int, len(files))
	out := make([]models.UploadedImage, 0, len(files))
	for _, f := range files {
		if i, ok := index[f.ID]; ok {
			out[i] = f
			continue
		}
		index[f.ID] = len(out)
		out = append(out, f)
	}
	return out
}

// pipeline owns one item's state until it is terminal.
type pipeline struct {
	o       *Orchestrator
	run     *Run
	state   models.ImageItemState
	updates chan<- models.ImageItemState
	started time.Time
}

// advance reduces ev into the pipeline's own state, mirrors it into the
// store and emits it on the run's update stream.
func (p *pipeline) advance(ev Event) {
	ev.ItemID = p.state.ID
	ev.BatchID = p.run.ID
	ev.Generation = p.run.Generation
	ev.At = p.o.now()

	next, err := Reduce(p.state, ev)
	if err != nil {
		log.WithError(err).Error("Rejected item transition")
		return
	}
	p.state = next

	if _, _, err := p.o.store.Apply(ev); err != nil {
		log.WithError(err).Error("Store rejected item transition")
	}
	p.updates <- next
}

func (p *pipeline) process(ctx context.Context, file models.UploadedImage, symptoms []string) (final models.ImageItemState) {
	metrics.ItemsInFlight.Inc()
	defer metrics.ItemsInFlight.Dec()

	logger := log.WithFields(log.Fields{"batch_id": p.run.ID, "item_id": p.state.ID})

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Item pipeline panicked: %v", r)
			if !p.state.Status.IsTerminal() {
				p.fail(fmt.Errorf("internal error: %v", r))
			}
		}
		final = p.state
		p.finish(logger)
	}()

	embedded, err := p.o.normalizer.Normalize(ctx, file)
	if err != nil {
		logger.WithError(err).Warn("Normalization failed")
		p.fail(err)
		return
	}
	p.advance(Event{To: models.StatusClassifying, DataURI: embedded.DataURI()})

	result, err := p.o.classifier.ClassifyWithRetry(ctx, *embedded, symptoms)
	if err != nil {
		logger.WithError(err).Warn("Classification failed")
		p.fail(err)
		return
	}
	if result.Name == "" {
		result.Name = embedded.FileName
	}
	p.advance(Event{To: models.StatusDone, Result: result})
	return
}

func (p *pipeline) fail(err error) {
	p.advance(Event{To: models.StatusError, Err: errorMessage(err)})
}

func (p *pipeline) finish(logger *log.Entry) {
	status := string(p.state.Status)
	metrics.ItemsFinishedTotal.WithLabelValues(status).Inc()
	metrics.ItemDurationSeconds.WithLabelValues(status).Observe(time.Since(p.started).Seconds())
	logger.WithField("status", status).Info("Item finished")

	if p.o.onFinish != nil {
		p.runFinishHook(logger)
	}
}

func (p *pipeline) runFinishHook(logger *log.Entry) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Finish hook panicked: %v", r)
		}
	}()
	p.o.onFinish(p.state)
}
