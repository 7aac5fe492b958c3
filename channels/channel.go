// Package channels is the step catalog: the channel adapter contract, the
// registry the scheduler dispatches through, and the built-in adapters.
package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"dripline/models"
)

// LeadContext is the slice of lead and enrollment data an adapter needs.
type LeadContext struct {
	LeadID       uint
	EnrollmentID uint
	SequenceID   uint
	Position     int

	Name        string
	Email       string
	Phone       string
	LinkedInURL string
}

// NewLeadContext builds a LeadContext for one enrollment step.
func NewLeadContext(lead *models.Lead, enrollment *models.Enrollment) LeadContext {
	return LeadContext{
		LeadID:       lead.ID,
		EnrollmentID: enrollment.ID,
		SequenceID:   enrollment.SequenceID,
		Position:     enrollment.CurrentPosition,
		Name:         lead.FullName(),
		Email:        lead.Email,
		Phone:        lead.Phone,
		LinkedInURL:  lead.LinkedInURL,
	}
}

// Content is a rendered step ready for transmission.
type Content struct {
	Channel models.Channel
	Subject string
	Body    string
}

// Result is the single outcome an adapter reports per dispatch.
type Result struct {
	Outcome     models.Outcome
	ProviderRef string
	Err         error
}

// Adapter transmits rendered content over one channel. Implementations own
// their transient retry policy; Send reports exactly one outcome.
type Adapter interface {
	Channel() models.Channel
	Send(ctx context.Context, lead LeadContext, content Content) Result
}

// ErrNoAdapter is returned when no adapter is registered for a channel.
var ErrNoAdapter = errors.New("no adapter registered for channel")

// Registry maps channels to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.Channel]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Channel]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its channel.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Channel()] = a
}

func (r *Registry) Get(ch models.Channel) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, ch)
	}
	return a, nil
}

// Sent builds a successful result.
func Sent(ref string) Result {
	return Result{Outcome: models.OutcomeSent, ProviderRef: ref}
}

// Failed builds a failed result.
func Failed(ref string, err error) Result {
	return Result{Outcome: models.OutcomeFailed, ProviderRef: ref, Err: err}
}
