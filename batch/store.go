package batch

import (
	"sync"
	"time"

	"periodontal-analyzer/metrics"
	"periodontal-analyzer/models"

	"github.com/apex/log"
)

// Store is the item collection of one session. Items are kept in admission
// order and addressed by identity. Every write goes through Reduce.
type Store struct {
	mu          sync.RWMutex
	generation  uint64
	order       []string
	items       map[string]models.ImageItemState
	subscribers map[int]chan models.ImageItemState
	nextSubID   int
}

func NewStore() *Store {
	return &Store{
		items:       make(map[string]models.ImageItemState),
		subscribers: make(map[int]chan models.ImageItemState),
	}
}

// Generation returns the current generation. It changes on every Clear.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Admit adds images as pending items of batchID. An image whose identity is
// already present replaces the older entry in place; new identities are
// appended after existing items.
func (s *Store) Admit(batchID string, images []models.UploadedImage, symptoms []string, at time.Time) ([]models.ImageItemState, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	admitted := make([]models.ImageItemState, 0, len(images))
	for _, img := range images {
		state := models.ImageItemState{
			ID:         img.ID,
			BatchID:    batchID,
			Generation: s.generation,
			FileName:   img.FileName,
			Status:     models.StatusPending,
			Symptoms:   symptoms,
			UpdatedAt:  at,
		}
		if _, exists := s.items[img.ID]; !exists {
			s.order = append(s.order, img.ID)
		}
		s.items[img.ID] = state
		admitted = append(admitted, state)
		s.publishLocked(state)
	}
	return admitted, s.generation
}

// Apply reduces ev into the addressed item. It reports false without error
// when the event belongs to a cleared generation or a replaced batch.
func (s *Store) Apply(ev Event) (models.ImageItemState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[ev.ItemID]
	if ev.Generation != s.generation || !ok || current.BatchID != ev.BatchID {
		metrics.StaleUpdatesTotal.Inc()
		log.WithFields(log.Fields{
			"item_id":  ev.ItemID,
			"batch_id": ev.BatchID,
			"status":   ev.To,
		}).Debug("Dropping stale item update")
		return models.ImageItemState{}, false, nil
	}

	next, err := Reduce(current, ev)
	if err != nil {
		return current, false, err
	}
	s.items[ev.ItemID] = next
	s.publishLocked(next)
	return next, true, nil
}

// Clear discards all items and starts a new generation so that late updates
// from running pipelines are ignored.
func (s *Store) Clear() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	s.order = nil
	s.items = make(map[string]models.ImageItemState)
	return s.generation
}

// Snapshot returns all items in admission order.
func (s *Store) Snapshot() []models.ImageItemState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ImageItemState, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id])
	}
	return out
}

// DoneResults returns the results of all done items in admission order.
func (s *Store) DoneResults() []models.ClassificationResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ClassificationResult
	for _, id := range s.order {
		if item := s.items[id]; item.Status == models.StatusDone && item.Result != nil {
			out = append(out, *item.Result)
		}
	}
	return out
}

// Subscribe returns a channel receiving every accepted item update and a
// function that ends the subscription. Slow subscribers miss updates rather
// than block pipelines.
func (s *Store) Subscribe(buffer int) (<-chan models.ImageItemState, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan models.ImageItemState, buffer)
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subscribers, id)
			close(ch)
		})
	}
}

func (s *Store) publishLocked(state models.ImageItemState) {
	for id, ch := range s.subscribers {
		select {
		case ch <- state:
		default:
			log.Warnf("Subscriber %d is full, dropping update for %s", id, state.ID)
		}
	}
}
