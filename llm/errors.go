package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrInvalidModelOutput marks a missing or schema-violating model response.
var ErrInvalidModelOutput = errors.New("no valid analysis was generated by the AI model")

// InvalidOutputError describes why a model response was rejected.
type InvalidOutputError struct {
	Reason string
}

func (e *InvalidOutputError) Error() string {
	if e.Reason == "" {
		return ErrInvalidModelOutput.Error()
	}
	return ErrInvalidModelOutput.Error() + ": " + e.Reason
}

func (e *InvalidOutputError) Is(target error) bool {
	return target == ErrInvalidModelOutput
}

// InvalidOutput builds an InvalidOutputError with a formatted reason.
func InvalidOutput(format string, args ...any) error {
	return &InvalidOutputError{Reason: fmt.Sprintf(format, args...)}
}

// APIError is a non-2xx answer from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// Temporary reports whether the provider signalled overload or unavailability.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusServiceUnavailable
}

const maxResponseBytes = 8 << 20

// ReadResponse reads a provider response body and turns non-2xx statuses
// into *APIError. Both Gemini and OpenAI wrap failures as {"error":{"message":...}}.
func ReadResponse(provider string, resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	msg := strings.TrimSpace(string(body))
	var wrapped struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Error.Message != "" {
		msg = wrapped.Error.Message
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return nil, &APIError{Provider: provider, StatusCode: resp.StatusCode, Message: msg}
}
