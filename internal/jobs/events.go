package jobs

import (
	"sync"
	"time"

	"github.com/jo-hoe/reelcut/internal/common"
)

// State is the pipeline phase carried by an event.
type State string

const (
	StateQueued     State = "queued"
	StateAdmitted   State = "admitted"
	StateAnalyzing  State = "analyzing"
	StateGenerating State = "generating"
	StateProcessing State = "processing"
	StateFinalizing State = "finalizing"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

// Final reports whether no further events follow for the job.
func (s State) Final() bool { return s == StateCompleted || s == StateError }

// Event is a sequenced progress notification.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	JobID     string    `json:"jobId"`
	State     State     `json:"state"`
	Message   string    `json:"message,omitempty"`
	Progress  int       `json:"progress"`
}

// EventBus keeps a bounded buffer of recent events and fans new ones out to
// subscribers. Delivery is best-effort: a subscriber that is not keeping up
// loses events rather than blocking publishers.
type EventBus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
	subs      map[int]chan Event
	nextSub   int
}

// NewEventBus creates a bus buffering at most maxEvents.
func NewEventBus(maxEvents int) *EventBus {
	if maxEvents <= 0 {
		maxEvents = common.DefaultEventBuffer
	}
	return &EventBus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		subs:      make(map[int]chan Event),
	}
}

// Publish assigns sequence and timestamp, buffers the event and delivers it
// to every subscriber with room for it.
func (b *EventBus) Publish(event Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return event
}

// Since returns buffered events with sequence strictly greater than seq.
func (b *EventBus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Subscribe registers a live listener. The returned cancel func must be
// called to release it; it closes the channel.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
