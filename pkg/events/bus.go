package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 256

// Bus is the in-process Sink that transport adapters subscribe to.
//
// Publish never blocks: a subscriber whose buffer is full is disconnected
// (its channel is closed) and must resubscribe.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	logger *zap.Logger
}

// NewBus creates a bus with the given subscriber buffer (<=0 uses the default).
func NewBus(buffer int, logger *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer, logger: logger}
}

// Subscription is a live feed of one job's events.
type Subscription struct {
	jobID  string
	ch     chan Event
	bus    *Bus
	closed bool
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.removeLocked(s)
}

// Subscribe registers a subscriber for jobID.
func (b *Bus) Subscribe(jobID string) *Subscription {
	s := &Subscription{jobID: jobID, ch: make(chan Event, b.buffer), bus: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[jobID] = set
	}
	set[s] = struct{}{}
	return s
}

// Subscribers returns the number of live subscribers for jobID.
func (b *Bus) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

// Publish implements Sink.
func (b *Bus) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[ev.JobID] {
		select {
		case s.ch <- ev:
		default:
			b.logger.Warn("dropping slow event subscriber",
				zap.String("job_id", ev.JobID),
				zap.Int64("seq", ev.Seq))
			b.removeLocked(s)
		}
	}
	return nil
}

func (b *Bus) removeLocked(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
	set := b.subs[s.jobID]
	delete(set, s)
	if len(set) == 0 {
		delete(b.subs, s.jobID)
	}
}
