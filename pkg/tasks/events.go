// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package tasks

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a saga lifecycle event.
type EventType string

const (
	EventSagaStarted       EventType = "saga.started"
	EventSagaStepStarted   EventType = "saga.step.started"
	EventSagaStepCompleted EventType = "saga.step.completed"
	EventSagaStepFailed    EventType = "saga.step.failed"
	EventSagaStepRetried   EventType = "saga.step.retried"
	EventSagaCompleted     EventType = "saga.completed"
	EventSagaFailed        EventType = "saga.failed"
	EventSagaCancelled     EventType = "saga.cancelled"
	EventSagaTimedOut      EventType = "saga.timed_out"

	EventCompensationStarted   EventType = "compensation.started"
	EventCompensationCompleted EventType = "compensation.completed"
	EventCompensationFailed    EventType = "compensation.failed"
	EventCompensationSkipped   EventType = "compensation.skipped"
)

// Event is a saga lifecycle notification. Events are observability output
// only: publishing failures never affect saga state.
type Event struct {
	ID        string         `json:"id"`
	SagaID    string         `json:"saga_id"`
	StepID    string         `json:"step_id,omitempty"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with a generated ID and the current timestamp.
func NewEvent(sagaID, stepID string, eventType EventType) *Event {
	return &Event{
		ID:        "event-" + uuid.NewString(),
		SagaID:    sagaID,
		StepID:    stepID,
		Type:      eventType,
		Timestamp: time.Now(),
	}
}

// EventPublisher publishes saga lifecycle events for external monitoring.
type EventPublisher interface {
	// PublishEvent publishes a saga event.
	PublishEvent(ctx context.Context, event *Event) error

	// Close gracefully shuts down the publisher.
	Close() error
}

// NoopPublisher discards all events. Used when no publisher is configured.
type NoopPublisher struct{}

// PublishEvent discards the event.
func (NoopPublisher) PublishEvent(ctx context.Context, event *Event) error { return nil }

// Close is a no-op.
func (NoopPublisher) Close() error { return nil }

// ChannelPublisher delivers events to an in-process channel. Delivery is
// non-blocking: if the subscriber falls behind, events are dropped rather
// than stalling saga execution.
type ChannelPublisher struct {
	ch chan *Event
}

// NewChannelPublisher creates a publisher with the given buffer size.
func NewChannelPublisher(buffer int) *ChannelPublisher {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelPublisher{ch: make(chan *Event, buffer)}
}

// Events returns the receive side of the event stream.
func (p *ChannelPublisher) Events() <-chan *Event {
	return p.ch
}

// PublishEvent delivers the event, dropping it if the buffer is full.
func (p *ChannelPublisher) PublishEvent(ctx context.Context, event *Event) error {
	select {
	case p.ch <- event:
	default:
	}
	return nil
}

// Close closes the event stream.
func (p *ChannelPublisher) Close() error {
	close(p.ch)
	return nil
}
