// Package events provides a publish/subscribe bus for run progress.
// The agent loop reports progress through a callback; [Bus.Reporter]
// turns that callback into bus events that subscribers (the MQTT
// publisher, CLI progress output) consume. Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"maps"
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from a generic agent run.
	SourceAgent = "agent"
	// SourceCritique identifies events from a critique-revision run.
	SourceCritique = "critique"
)

// Kind constants mirror the agent loop's progress transitions.
const (
	// KindToolCall fires after a turn's tool calls completed and were
	// checkpointed. Data: run_id, turn, tools.
	KindToolCall = "tool_call"
	// KindPaused fires when the time budget paused the run.
	// Data: run_id, turn, resume_count.
	KindPaused = "paused"
	// KindComplete fires when the run finished naturally.
	// Data: run_id, turn, output_len.
	KindComplete = "complete"
	// KindError fires when the run terminated with an error.
	// Data: run_id, turn, error.
	KindError = "error"
)

// Event represents a single progress event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend lets Unsubscribe accept the receive-only view handed
	// out by Subscribe.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers without blocking.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Reporter returns a progress callback that publishes each transition
// as an event from source. fields (typically agent_kind and entity_id)
// are merged into every event's Data; per-event detail wins on
// conflict.
func (b *Bus) Reporter(source string, fields map[string]any) func(kind string, detail map[string]any) {
	return func(kind string, detail map[string]any) {
		data := make(map[string]any, len(fields)+len(detail))
		maps.Copy(data, fields)
		maps.Copy(data, detail)
		b.Publish(Event{
			Timestamp: time.Now(),
			Source:    source,
			Kind:      kind,
			Data:      data,
		})
	}
}
