// Package events publishes trip lifecycle events to a message broker.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/example/ridenow/internal/models"
)

type Publisher interface {
	Publish(ctx context.Context, evt models.TripEvent) error
	Close() error
}

func Encode(evt models.TripEvent) ([]byte, error) {
	return json.Marshal(evt)
}

func Decode(b []byte) (models.TripEvent, error) {
	var evt models.TripEvent
	err := json.Unmarshal(b, &evt)
	return evt, err
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, models.TripEvent) error { return nil }
func (Nop) Close() error                                    { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt models.TripEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps events in memory. Used by tests and local debugging.
type Recorder struct {
	mu     sync.Mutex
	events []models.TripEvent
}

func (r *Recorder) Publish(_ context.Context, evt models.TripEvent) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []models.TripEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.TripEvent(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
