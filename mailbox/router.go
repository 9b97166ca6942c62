package mailbox

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/logging"
)

// UnknownRecipientError reports a send to an agent without a registered mailbox.
type UnknownRecipientError struct {
	Recipient string
}

func (e *UnknownRecipientError) Error() string {
	return fmt.Sprintf("unknown recipient %q: no mailbox registered", e.Recipient)
}

// Router is the post office: it owns the directory of mailboxes, persists
// every accepted message before acknowledging the send, and wakes agents
// suspended on an empty mailbox. Appends are single-writer (the router);
// owning agents read concurrently through copy-on-read mailboxes.
type Router struct {
	store  Store
	logger logging.Logger

	mu        sync.Mutex
	boxes     map[string]*Mailbox
	interests map[string][]string // capability name -> agent names, registration order
	waiters   map[string][]chan struct{}
}

// RouterOptions configures a Router.
type RouterOptions struct {
	// Store persists accepted messages. Defaults to NewInMemoryStore().
	Store Store
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// NewRouter constructs a Router.
func NewRouter(optFns ...func(o *RouterOptions)) *Router {
	opts := RouterOptions{Store: NewInMemoryStore(), Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Router{
		store:     opts.Store,
		logger:    logging.OrNoOp(opts.Logger),
		boxes:     map[string]*Mailbox{},
		interests: map[string][]string{},
		waiters:   map[string][]chan struct{}{},
	}
}

// Register creates (or reloads from the store) the mailbox for agent and
// returns it. Registering an already-known agent returns the existing box.
func (r *Router) Register(agent string) (*Mailbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if box, ok := r.boxes[agent]; ok {
		return box, nil
	}

	box := NewMailbox(agent)
	records, err := r.store.Messages(agent)
	if err != nil {
		return nil, fmt.Errorf("load mailbox for %s: %w", agent, err)
	}
	var msgs []core.Message
	var readIDs []string
	for _, rec := range records {
		msgs = append(msgs, rec.Message)
		if rec.Read {
			readIDs = append(readIDs, rec.ID)
		}
	}
	box.restore(msgs, readIDs)

	r.boxes[agent] = box
	r.logger.Debug("mailbox.register", "agent", agent, "persisted", len(msgs))
	return box, nil
}

// Unregister removes the agent from the directory. Persisted history remains
// in the store.
func (r *Router) Unregister(agent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.boxes, agent)
	for capName, agents := range r.interests {
		filtered := agents[:0]
		for _, a := range agents {
			if a != agent {
				filtered = append(filtered, a)
			}
		}
		r.interests[capName] = filtered
	}
}

// Agents returns the registered agent names in sorted order.
func (r *Router) Agents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.boxes))
	for a := range r.boxes {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// RegisterInterest records that agent serves the named capability so other
// agents can locate it through the directory.
func (r *Router) RegisterInterest(capabilityName, agent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.interests[capabilityName] {
		if a == agent {
			return
		}
	}
	r.interests[capabilityName] = append(r.interests[capabilityName], agent)
}

// Locate returns the agents registered for a capability, in registration order.
func (r *Router) Locate(capabilityName string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.interests[capabilityName]...)
}

// Send delivers msg to its recipient's mailbox. The message is persisted
// before Send returns, so a crash after acknowledgment never loses it.
// Delivery wakes the longest-waiting suspended reader, if any.
func (r *Router) Send(msg core.Message) error {
	r.mu.Lock()
	box, ok := r.boxes[msg.Recipient]
	if !ok {
		r.mu.Unlock()
		return &UnknownRecipientError{Recipient: msg.Recipient}
	}
	r.mu.Unlock()

	// Durable before acknowledged.
	if err := r.store.Append(msg.Recipient, msg); err != nil {
		return fmt.Errorf("persist message %s: %w", msg.ID, err)
	}

	box.Append(msg)
	r.logger.Debug("mailbox.send",
		"from", msg.Sender, "to", msg.Recipient, "message_id", msg.ID, "correlation_id", msg.CorrelationID)

	r.wake(msg.Recipient)
	return nil
}

// Receive returns the recipient's unread messages in arrival order without
// consuming them.
func (r *Router) Receive(agent string) ([]core.Message, error) {
	r.mu.Lock()
	box, ok := r.boxes[agent]
	r.mu.Unlock()
	if !ok {
		return nil, &UnknownRecipientError{Recipient: agent}
	}
	return box.Unread(), nil
}

// MarkRead flags the given messages as read, keeping them in history.
func (r *Router) MarkRead(agent string, ids []string) error {
	r.mu.Lock()
	box, ok := r.boxes[agent]
	r.mu.Unlock()
	if !ok {
		return &UnknownRecipientError{Recipient: agent}
	}
	if err := r.store.MarkRead(agent, ids); err != nil {
		return err
	}
	box.MarkRead(ids)
	return nil
}

// AwaitMessage registers a wake signal for agent and returns the channel to
// block on. Signals fire one per delivered message, in the order the waits
// began. Callers must check Receive for already-pending unread messages
// before blocking, or a message delivered earlier is never noticed.
func (r *Router) AwaitMessage(agent string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	r.waiters[agent] = append(r.waiters[agent], ch)
	r.mu.Unlock()
	return ch
}

// CancelWait removes a previously registered wake channel.
func (r *Router) CancelWait(agent string, ch <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiters := r.waiters[agent]
	for i, w := range waiters {
		if w == ch {
			r.waiters[agent] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}

// wake signals the oldest registered waiter for agent.
func (r *Router) wake(agent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiters := r.waiters[agent]
	if len(waiters) == 0 {
		return
	}
	ch := waiters[0]
	r.waiters[agent] = waiters[1:]
	ch <- struct{}{}
}

// Mailbox returns the registered mailbox for agent, or false.
func (r *Router) Mailbox(agent string) (*Mailbox, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	box, ok := r.boxes[agent]
	return box, ok
}

// RestoreMailbox replaces agent's mailbox contents from a snapshot, creating
// the mailbox if needed. Store contents are not rewritten; the snapshot is
// authoritative for the in-memory view.
func (r *Router) RestoreMailbox(agent string, msgs []core.Message, readIDs []string) {
	r.mu.Lock()
	box, ok := r.boxes[agent]
	if !ok {
		box = NewMailbox(agent)
		r.boxes[agent] = box
	}
	r.mu.Unlock()
	box.restore(msgs, readIDs)
}
