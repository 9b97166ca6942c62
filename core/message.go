package core

import "time"

// Message is the unit of inter-agent communication. A message is appended to
// exactly one recipient mailbox, in arrival order, and is never mutated after
// delivery. CorrelationID threads a reply back to the exchange that asked for
// it.
type Message struct {
	ID            string    `json:"id"`
	Sender        string    `json:"sender"`
	Recipient     string    `json:"recipient"`
	Subject       string    `json:"subject"`
	Body          string    `json:"body"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewMessage creates a message with a fresh id and UTC timestamp.
func NewMessage(sender, recipient, subject, body string) Message {
	return Message{
		ID:        NewID(),
		Sender:    sender,
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		Timestamp: time.Now().UTC(),
	}
}

// Reply constructs a response to m addressed back at its sender, carrying the
// original correlation id (or the original message id when none was set) so
// the conversation can be threaded.
func (m Message) Reply(sender, body string) Message {
	r := NewMessage(sender, m.Sender, "Re: "+m.Subject, body)
	r.CorrelationID = m.CorrelationID
	if r.CorrelationID == "" {
		r.CorrelationID = m.ID
	}
	return r
}
