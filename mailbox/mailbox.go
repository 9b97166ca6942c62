// Package mailbox implements the kernel's post office: durable, per-agent
// FIFO message queues plus the router that delivers messages and wakes
// suspended agents.
package mailbox

import (
	"sync"

	"github.com/hupe1980/agenthive/core"
)

// Mailbox is the in-memory view of one agent's message queue. Appends come
// only from the router; the owning agent may read concurrently, so reads hand
// out copies rather than internal slices. Marking a message read never removes
// it from history.
type Mailbox struct {
	owner string

	mu   sync.RWMutex
	msgs []core.Message
	read map[string]bool
}

// NewMailbox creates an empty mailbox owned by agent.
func NewMailbox(owner string) *Mailbox {
	return &Mailbox{owner: owner, read: map[string]bool{}}
}

// Owner returns the owning agent's name.
func (m *Mailbox) Owner() string { return m.owner }

// Append adds a delivered message in arrival order.
func (m *Mailbox) Append(msg core.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
}

// Unread returns the undelivered-to-reader messages in arrival order without
// consuming them.
func (m *Mailbox) Unread() []core.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Message
	for _, msg := range m.msgs {
		if !m.read[msg.ID] {
			out = append(out, msg)
		}
	}
	return out
}

// MarkRead flags the given message ids as read. Unknown ids are ignored.
func (m *Mailbox) MarkRead(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.read[id] = true
	}
}

// History returns every message ever delivered, in arrival order.
func (m *Mailbox) History() []core.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Message, len(m.msgs))
	copy(out, m.msgs)
	return out
}

// ReadIDs returns the ids currently marked read.
func (m *Mailbox) ReadIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, msg := range m.msgs {
		if m.read[msg.ID] {
			out = append(out, msg.ID)
		}
	}
	return out
}

// restore replaces the mailbox contents wholesale. Used by snapshot restore.
func (m *Mailbox) restore(msgs []core.Message, readIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append([]core.Message(nil), msgs...)
	m.read = make(map[string]bool, len(readIDs))
	for _, id := range readIDs {
		m.read[id] = true
	}
}
