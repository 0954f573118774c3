package stub

import (
	"sync"
	"time"
)

// Notification is delivered to an agent blocked in wait_notify.
type Notification struct {
	AgentID   string    `json:"agent_id"`
	TopicID   int64     `json:"topic_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier tracks one notification channel per waiting agent.
type Notifier struct {
	mu       sync.RWMutex
	channels map[string]chan Notification
}

func NewNotifier() *Notifier {
	return &Notifier{
		channels: make(map[string]chan Notification),
	}
}

// Register creates the channel agentID waits on. A previous waiter for the
// same agent has its channel closed.
func (n *Notifier) Register(agentID string) chan Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	if ch, exists := n.channels[agentID]; exists {
		close(ch)
	}

	ch := make(chan Notification, 1)
	n.channels[agentID] = ch
	return ch
}

// Unregister removes ch if it is still the agent's current channel.
func (n *Notifier) Unregister(agentID string, ch chan Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if cur, exists := n.channels[agentID]; exists && cur == ch {
		close(cur)
		delete(n.channels, agentID)
	}
}

// Notify delivers to a single agent. It reports false if the agent is not
// waiting or already has a notification pending.
func (n *Notifier) Notify(agentID string, notification Notification) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()

	ch, exists := n.channels[agentID]
	if !exists {
		return false
	}
	select {
	case ch <- notification:
		return true
	default:
		return false
	}
}

// NotifyAll delivers to every waiting agent and returns how many took it.
func (n *Notifier) NotifyAll(notification Notification) int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	delivered := 0
	for _, ch := range n.channels {
		select {
		case ch <- notification:
			delivered++
		default:
		}
	}
	return delivered
}

// Waiting reports whether agentID is registered.
func (n *Notifier) Waiting(agentID string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.channels[agentID]
	return ok
}

// Count returns the number of registered agents.
func (n *Notifier) Count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.channels)
}
