package events

import (
	"context"
	"sync"
)

// Broker is the in-process Channel. Every subscriber gets its own mailbox so a
// slow reader never blocks Publish or other subscribers.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[*brokerSubscription]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: map[string]map[*brokerSubscription]struct{}{},
	}
}

func (b *Broker) Subscribe(ctx context.Context, jobID string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &brokerSubscription{broker: b, jobID: jobID, box: NewMailbox()}

	b.mu.Lock()
	if b.subscribers[jobID] == nil {
		b.subscribers[jobID] = map[*brokerSubscription]struct{}{}
	}
	b.subscribers[jobID][sub] = struct{}{}
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = sub.Close()
	})
	sub.mu.Lock()
	sub.stop = stop
	sub.mu.Unlock()
	return sub, nil
}

func (b *Broker) Publish(_ context.Context, jobID string, event Event) error {
	b.mu.RLock()
	subscribers := b.subscribers[jobID]
	subs := make([]*brokerSubscription, 0, len(subscribers))
	for sub := range subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.box.Push(event)
	}
	return nil
}

// Subscribers returns the number of open subscriptions for a job.
func (b *Broker) Subscribers(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[jobID])
}

func (b *Broker) Ping(context.Context) error {
	return nil
}

func (b *Broker) remove(sub *brokerSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[sub.jobID] == nil {
		return
	}
	delete(b.subscribers[sub.jobID], sub)
	if len(b.subscribers[sub.jobID]) == 0 {
		delete(b.subscribers, sub.jobID)
	}
}

type brokerSubscription struct {
	broker *Broker
	jobID  string
	box    *Mailbox

	mu   sync.Mutex
	stop func() bool
	once sync.Once
}

func (s *brokerSubscription) Events() <-chan Event {
	return s.box.Events()
}

func (s *brokerSubscription) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		stop := s.stop
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		s.broker.remove(s)
		s.box.Close()
	})
	return nil
}
