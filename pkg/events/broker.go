package events

import (
	"sync"

	"github.com/Mindburn-Labs/helm-intake/pkg/contracts"
)

// subscriberBuffer bounds each observer's backlog.
const subscriberBuffer = 64

// Broker is an in-memory pub/sub hub keyed by tenant.
// Slow subscribers lose events rather than block the pipeline.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan *contracts.Event]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[string]map[chan *contracts.Event]struct{})}
}

// Subscribe registers a listener for a tenant. The returned func unsubscribes.
func (b *Broker) Subscribe(tenantID string) (<-chan *contracts.Event, func()) {
	ch := make(chan *contracts.Event, subscriberBuffer)
	b.mu.Lock()
	if b.subscribers[tenantID] == nil {
		b.subscribers[tenantID] = make(map[chan *contracts.Event]struct{})
	}
	b.subscribers[tenantID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subscribers[tenantID]; ok {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subscribers, tenantID)
				}
			}
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber of tenantID without blocking.
func (b *Broker) Publish(tenantID string, e *contracts.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers[tenantID] {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribers returns the number of live observers of a tenant.
func (b *Broker) Subscribers(tenantID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[tenantID])
}
