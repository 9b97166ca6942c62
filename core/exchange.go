package core

import (
	"time"

	"github.com/google/uuid"
)

// Conversation roles used throughout the kernel. The model backends map these
// onto their provider-specific message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Exchange is one entry of an agent's memory: a single role-attributed piece
// of text with a high precision UTC timestamp. Exchanges are append-only;
// after creation they should be treated as immutable.
type Exchange struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NewExchange creates an exchange stamped with the current UTC time.
func NewExchange(role, text string) Exchange {
	return Exchange{Role: role, Text: text, Timestamp: time.Now().UTC()}
}

// NewID generates a new unique identifier for messages, units and snapshots.
func NewID() string { return uuid.NewString() }
