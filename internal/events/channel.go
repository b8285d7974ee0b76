package events

import (
	"context"
	"sync"
)

// Channel is a per-job pub/sub transport. Publish never waits for consumers and
// events published while nobody is subscribed may be lost.
type Channel interface {
	Publish(ctx context.Context, jobID string, event Event) error
	Subscribe(ctx context.Context, jobID string) (Subscription, error)
}

// Subscription yields events for one job in publish order. Close is safe to
// call more than once; the Events channel is closed once it returns.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Mailbox is an unbounded FIFO between a transport and one consumer. Push never
// blocks and never drops, so a slow consumer cannot reorder or lose events.
type Mailbox struct {
	mu     sync.Mutex
	queue  []Event
	closed bool

	notify chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

func NewMailbox() *Mailbox {
	m := &Mailbox{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Mailbox) Events() <-chan Event {
	return m.out
}

// Push enqueues an event and reports whether the mailbox was still open.
func (m *Mailbox) Push(event Event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, event)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Close discards anything still queued and closes Events.
func (m *Mailbox) Close() {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.queue = nil
		m.mu.Unlock()
		close(m.done)
	})
}

func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Mailbox) run() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.notify:
				continue
			case <-m.done:
				return
			}
		}
		event := m.queue[0]
		m.queue[0] = Event{}
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- event:
		case <-m.done:
			return
		}
	}
}

// Emitter publishes events for a single job and refuses anything after the
// first terminal event has been published.
type Emitter struct {
	channel Channel
	jobID   string

	mu     sync.Mutex
	closed bool
}

func NewEmitter(channel Channel, jobID string) *Emitter {
	return &Emitter{channel: channel, jobID: jobID}
}

func (e *Emitter) Emit(ctx context.Context, payload Payload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrJobClosed
	}
	event, err := New(payload)
	if err != nil {
		return err
	}
	if err := e.channel.Publish(ctx, e.jobID, event); err != nil {
		return err
	}
	if payload.Kind().Terminal() {
		e.closed = true
	}
	return nil
}

// Closed reports whether a terminal event has been published.
func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
