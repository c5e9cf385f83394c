package chat

import (
	"sync"

	"github.com/ashureev/docchat/internal/domain"
)

// EventType distinguishes state updates from user-facing notices.
type EventType string

const (
	// EventState carries a full state snapshot.
	EventState EventType = "state"
	// EventNotice carries an alert the view should show once.
	EventNotice EventType = "notice"
)

// Event is delivered to subscribers in the order transitions happened.
type Event struct {
	Type   EventType     `json:"type"`
	State  *domain.State `json:"state,omitempty"`
	Notice string        `json:"notice,omitempty"`
}

const defaultSubscriberBuffer = 64

// subscriber queues events for one reader. A pending state snapshot is
// replaced by a newer one, so a slow reader skips intermediate states but
// always ends on the latest. Notices are never dropped.
type subscriber struct {
	ch   chan Event
	wake chan struct{}
	done chan struct{}
	stop sync.Once

	mu    sync.Mutex
	queue []Event
}

func newSubscriber(buffer int) *subscriber {
	return &subscriber{
		ch:   make(chan Event, buffer),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	if ev.Type == EventState {
		s.queue = dropStates(s.queue)
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func dropStates(queue []Event) []Event {
	kept := queue[:0]
	for _, ev := range queue {
		if ev.Type != EventState {
			kept = append(kept, ev)
		}
	}
	return kept
}

func (s *subscriber) take() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.queue
	s.queue = nil
	return batch
}

func (s *subscriber) close() {
	s.stop.Do(func() { close(s.done) })
}

// pump moves queued events into ch until the subscription ends, then hands
// over whatever still fits in the buffer and closes ch.
func (s *subscriber) pump() {
	defer close(s.ch)
	for {
		select {
		case <-s.wake:
		case <-s.done:
			s.flush()
			return
		}

		batch := s.take()
		for i, ev := range batch {
			select {
			case s.ch <- ev:
			case <-s.done:
				s.requeue(batch[i:])
				s.flush()
				return
			}
		}
	}
}

// requeue puts undelivered events back ahead of anything queued since.
func (s *subscriber) requeue(rest []Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(append([]Event(nil), rest...), s.queue...)
}

func (s *subscriber) flush() {
	for _, ev := range s.take() {
		select {
		case s.ch <- ev:
		default:
			return
		}
	}
}

// Subscribe returns a channel that first receives the current state and then
// every subsequent event. A subscriber that falls behind skips to the latest
// state instead of stalling the controller. Call cancel to unsubscribe.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	sub := newSubscriber(buffer)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = sub
	snap := c.snapshotLocked()
	sub.enqueue(Event{Type: EventState, State: &snap})

	c.subWG.Add(1)
	go func() {
		defer c.subWG.Done()
		sub.pump()
	}()

	return sub.ch, func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		sub.close()
	}
}

func (c *Controller) notify(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcastLocked(Event{Type: EventNotice, Notice: message})
}

func (c *Controller) broadcastLocked(ev Event) {
	for _, sub := range c.subs {
		sub.enqueue(ev)
	}
}
