// Package uploader provides the strategies that submit a matched document for a plan item.
package uploader

import (
	"context"
	"sync"

	"caeplane/internal/store"
)

// Success reasons reported by the strategies.
const (
	ReasonSimulatedOK = "simulated_upload_ok"
	ReasonPortalOK    = "portal_upload_ok"
)

// Uploader submits one document for one plan item.
// Implementations include Simulated for rehearsals and Portal for real submissions.
type Uploader interface {
	// Upload performs the submission. A nil error means the item was uploaded
	// and Outcome.Reason says how. A failure is returned as an error, usually
	// an *apperr.Error whose code becomes the item's reason.
	Upload(ctx context.Context, req Request) (Outcome, error)
}

// Request identifies what to upload.
type Request struct {
	PlanID   string
	Item     store.PlanItem
	Document store.Document
}

// Outcome describes a successful upload.
type Outcome struct {
	Reason      string
	EvidenceRef string
}

// Simulated never performs I/O and always succeeds. It keeps the requests it
// saw so rehearsals can be inspected.
type Simulated struct {
	mu       sync.Mutex
	requests []Request
}

func NewSimulated() *Simulated {
	return &Simulated{}
}

func (s *Simulated) Upload(ctx context.Context, req Request) (Outcome, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return Outcome{Reason: ReasonSimulatedOK}, nil
}

// Requests returns a copy of the requests seen so far.
func (s *Simulated) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}
