// Package stream fans out agreement events to live subscribers (SSE clients).
package stream

import (
	"context"
	"sync"
	"time"
)

// Event types.
const (
	SignerAdded        = "signer.added"
	SignerSigned       = "signer.signed"
	AgreementCompleted = "agreement.completed"
	AgreementDeleted   = "agreement.deleted"
)

// Event describes a change to one agreement.
type Event struct {
	Type        string    `json:"type"`
	AgreementID string    `json:"agreementId"`
	SignerID    string    `json:"signerId,omitempty"`
	PDFURL      string    `json:"pdfUrl,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(evt Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}

type subscriber struct {
	agreementID string
	ch          chan Event
}

// Stream fan-outs events to subscribers of the affected agreement.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

var _ Publisher = (*Stream)(nil)

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for one agreement and returns a channel
// which will receive its events. The channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, agreementID string) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{agreementID: agreementID, ch: ch}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish delivers the event to every subscriber of its agreement.
func (s *Stream) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.agreementID != evt.AgreementID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
