// Package service ties normalization, classification, batching and
// summarization together behind the operations exposed over HTTP.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"periodontal-analyzer/batch"
	"periodontal-analyzer/imaging"
	"periodontal-analyzer/models"
	"periodontal-analyzer/summary"
	"periodontal-analyzer/websocket"

	"github.com/apex/log"
)

var (
	// ErrInvalidInput marks requests that cannot be processed as submitted.
	ErrInvalidInput = errors.New("invalid input")
	// ErrStopped is returned for batches submitted after Stop.
	ErrStopped = errors.New("service is stopping")
)

// Summarizer produces a narrative over classification results.
type Summarizer interface {
	Summarize(ctx context.Context, entries []models.SummaryEntry) (*models.SummaryResult, error)
}

// Service manages the item store and broadcasts its changes
type Service struct {
	normalizer   batch.Normalizer
	classifier   batch.Classifier
	summarizer   Summarizer
	store        *batch.Store
	orchestrator *batch.Orchestrator
	hub          *websocket.Hub

	// Batches run on baseCtx so they outlive the submitting request.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu          sync.RWMutex
	lastSummary *models.SummaryResult
	stopped     bool
}

// NewService creates a service. Options are passed to the batch orchestrator.
func NewService(normalizer batch.Normalizer, classifier batch.Classifier, summarizer Summarizer, opts ...batch.Option) *Service {
	store := batch.NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		normalizer:   normalizer,
		classifier:   classifier,
		summarizer:   summarizer,
		store:        store,
		orchestrator: batch.NewOrchestrator(store, normalizer, classifier, opts...),
		hub:          websocket.NewHub(),
		baseCtx:      ctx,
		cancel:       cancel,
	}
}

// Start runs the websocket hub and the loop forwarding store updates to it.
func (s *Service) Start() {
	log.Info("Starting periodontal analyzer service...")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(s.baseCtx)
	}()

	updates, unsubscribe := s.store.Subscribe(256)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-s.baseCtx.Done():
				return
			case state := <-updates:
				s.hub.BroadcastItem(state)
			}
		}
	}()
}

// Stop cancels running batches and waits until every item pipeline,
// finish hooks included, and the background loops have exited.
func (s *Service) Stop() {
	log.Info("Stopping periodontal analyzer service...")
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.orchestrator.Wait()
	s.wg.Wait()
	log.Info("Periodontal analyzer service stopped")
}

// Hub returns the websocket hub serving item streams.
func (s *Service) Hub() *websocket.Hub {
	return s.hub
}

// ProcessImage classifies a single image given as a data URI.
func (s *Service) ProcessImage(ctx context.Context, photoDataURI, fileName string, symptoms []string) (*models.ClassificationResult, error) {
	embedded, err := imaging.ParseDataURI(photoDataURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if fileName == "" {
		fileName = "image"
	}

	upload := models.NewUploadedImage(fileName, embedded.MimeType, time.Now(), embedded.Data)
	img, err := s.normalizer.Normalize(ctx, upload)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	return s.classifier.ClassifyWithRetry(ctx, *img, models.CleanSymptoms(symptoms))
}

// GetSummary summarizes the given entries without touching item state.
func (s *Service) GetSummary(ctx context.Context, entries []models.SummaryEntry) (*models.SummaryResult, error) {
	return s.summarizer.Summarize(ctx, entries)
}

// StartBatch admits files and processes them in the background. Any
// summary of earlier items is discarded.
func (s *Service) StartBatch(files []models.UploadedImage, symptoms []string) (*batch.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrStopped
	}
	s.lastSummary = nil
	return s.orchestrator.ProcessBatch(s.baseCtx, files, symptoms), nil
}

// Items returns every tracked item in admission order.
func (s *Service) Items() []models.ImageItemState {
	return s.store.Snapshot()
}

// ClearItems discards all items and the last summary. Results of batches
// still running are no longer recorded.
func (s *Service) ClearItems() uint64 {
	generation := s.store.Clear()

	s.mu.Lock()
	s.lastSummary = nil
	s.mu.Unlock()

	s.hub.BroadcastCleared(generation)
	log.Infof("Cleared items, generation is now %d", generation)
	return generation
}

// SummarizeItems summarizes the results of all done items and keeps the
// narrative as the last summary.
func (s *Service) SummarizeItems(ctx context.Context) (*models.SummaryResult, error) {
	generation := s.store.Generation()
	entries := summary.EntriesFromResults(s.store.DoneResults())

	result, err := s.summarizer.Summarize(ctx, entries)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store.Generation() == generation {
		s.lastSummary = result
	}
	return result, nil
}

// LastSummary returns the summary of the current items, if one was made.
func (s *Service) LastSummary() *models.SummaryResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSummary
}

// Subscribe follows every accepted item update until cancel is called.
func (s *Service) Subscribe(buffer int) (<-chan models.ImageItemState, func()) {
	return s.store.Subscribe(buffer)
}
