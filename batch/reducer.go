package batch

import (
	"errors"
	"fmt"
	"time"

	"periodontal-analyzer/models"
)

// UnknownErrorMessage is used when a failure carries no message.
const UnknownErrorMessage = "An unknown error occurred while processing the image with AI."

// ErrInvalidTransition is returned for transitions the item state machine forbids.
var ErrInvalidTransition = errors.New("invalid item state transition")

var transitions = map[models.Status][]models.Status{
	models.StatusPending:     {models.StatusNormalizing},
	models.StatusNormalizing: {models.StatusClassifying, models.StatusError},
	models.StatusClassifying: {models.StatusDone, models.StatusError},
}

// Event moves one item to a new status. BatchID and Generation address the
// item; events for a stale batch or generation are dropped by the Store.
type Event struct {
	ItemID     string
	BatchID    string
	Generation uint64
	To         models.Status
	DataURI    string
	Result     *models.ClassificationResult
	Err        string
	At         time.Time
}

// Reduce applies ev to state and returns the new state. state is not modified.
func Reduce(state models.ImageItemState, ev Event) (models.ImageItemState, error) {
	if !canTransition(state.Status, ev.To) {
		return state, fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, state.Status, ev.To, state.ID)
	}

	next := state
	next.Status = ev.To
	next.UpdatedAt = ev.At

	switch ev.To {
	case models.StatusClassifying:
		next.DataURI = ev.DataURI
	case models.StatusDone:
		if ev.Result == nil {
			return state, fmt.Errorf("%w: done without a result for %s", ErrInvalidTransition, state.ID)
		}
		result := *ev.Result
		next.Result = &result
		next.Error = ""
	case models.StatusError:
		next.Error = ev.Err
		if next.Error == "" {
			next.Error = UnknownErrorMessage
		}
		next.Result = nil
	}
	return next, nil
}

func canTransition(from, to models.Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// errorMessage returns a human readable message for err.
func errorMessage(err error) string {
	if err == nil || err.Error() == "" {
		return UnknownErrorMessage
	}
	return err.Error()
}
