// Package provider defines the upstream adapter contract and the set of
// configured adapters the dispatcher routes through. Each adapter translates
// the normalized chat protocol to one upstream wire format and back; nothing
// upstream-specific leaks past this boundary.
package provider

import (
	"context"
	"fmt"
	"sort"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
)

// Adapter is one upstream inference backend. ChatCompletionStream returns a
// chunk channel and an error channel; both are closed when the stream ends.
// At most one error is sent.
type Adapter interface {
	ID() string
	ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	ChatCompletionStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error)
	HealthCheck(ctx context.Context) error
}

// Set holds the adapters configured at startup, keyed by provider ID.
type Set struct {
	adapters map[string]Adapter
}

func NewSet(adapters ...Adapter) *Set {
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.ID()] = a
	}
	return &Set{adapters: m}
}

func (s *Set) Get(id string) (Adapter, error) {
	a, ok := s.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, id)
	}
	return a, nil
}

func (s *Set) IDs() []string {
	ids := make([]string, 0, len(s.adapters))
	for id := range s.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NewUpstreamError classifies a non-200 upstream status. 429 and 5xx are
// transient; everything else is permanent.
func NewUpstreamError(providerID string, status int, body []byte) error {
	return &domain.UpstreamError{
		Provider:  providerID,
		Status:    status,
		Retryable: status == 429 || status >= 500,
		Message:   string(body),
	}
}
