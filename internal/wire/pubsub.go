package wire

import (
	"net"
	"strings"
	"sync"
)

// Publisher is a prefix-matched fan-out registry shared by the broker's
// fan-out endpoint (subscribers are agents, prefixes are OS/node/config
// topics) and its result-publisher endpoint (subscribers are clients,
// prefix is the correlation token). A subscription prefix S matches a
// message topic T iff T begins with S, and an empty prefix matches
// everything.
type Publisher struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriberEntry

	// onNotify, if set, is invoked for every subscribe/unsubscribe
	// observed on a subscriber connection, for logging and observability.
	onNotify func(subscriberID string, subscribe bool, prefix string)
}

type subscriberEntry struct {
	mu       sync.Mutex // serializes writes to conn
	conn     net.Conn
	prefixes map[string]struct{}
}

// NewPublisher creates an empty Publisher. onNotify may be nil.
func NewPublisher(onNotify func(subscriberID string, subscribe bool, prefix string)) *Publisher {
	return &Publisher{
		subscribers: make(map[string]*subscriberEntry),
		onNotify:    onNotify,
	}
}

// Add registers conn under subscriberID with no initial prefixes. Use
// Subscribe to add prefixes, typically driven by notification frames read
// from conn in the caller's per-connection goroutine.
func (p *Publisher) Add(subscriberID string, conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers[subscriberID] = &subscriberEntry{conn: conn, prefixes: make(map[string]struct{})}
}

// Remove drops subscriberID from the registry. It does not close conn;
// callers own the connection lifecycle.
func (p *Publisher) Remove(subscriberID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subscribers, subscriberID)
}

// Subscribe adds prefix to subscriberID's subscription set. An empty
// prefix matches every topic.
func (p *Publisher) Subscribe(subscriberID, prefix string) {
	p.mu.RLock()
	entry, ok := p.subscribers[subscriberID]
	p.mu.RUnlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.prefixes[prefix] = struct{}{}
	entry.mu.Unlock()

	if p.onNotify != nil {
		p.onNotify(subscriberID, true, prefix)
	}
}

// Unsubscribe removes prefix from subscriberID's subscription set.
func (p *Publisher) Unsubscribe(subscriberID, prefix string) {
	p.mu.RLock()
	entry, ok := p.subscribers[subscriberID]
	p.mu.RUnlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	delete(entry.prefixes, prefix)
	entry.mu.Unlock()

	if p.onNotify != nil {
		p.onNotify(subscriberID, false, prefix)
	}
}

// Publish writes the two-frame {topic, payload} message to every
// subscriber whose subscription set contains a prefix of topic, best
// effort and unordered: a send failure to one subscriber never blocks or
// drops delivery to the others.
func (p *Publisher) Publish(topic string, payload []byte) (matched int) {
	p.mu.RLock()
	targets := make([]*subscriberEntry, 0, len(p.subscribers))
	for _, entry := range p.subscribers {
		if entry.matches(topic) {
			targets = append(targets, entry)
		}
	}
	p.mu.RUnlock()

	topicFrame := []byte(topic)
	for _, entry := range targets {
		entry.mu.Lock()
		err := WriteFrames(entry.conn, topicFrame, payload)
		entry.mu.Unlock()
		if err == nil {
			matched++
		}
	}
	return matched
}

func (e *subscriberEntry) matches(topic string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for prefix := range e.prefixes {
		if strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}

// Count returns the number of currently registered subscribers,
// regardless of their subscription sets.
func (p *Publisher) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers)
}
