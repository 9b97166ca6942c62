package agenthive

import (
	"fmt"
	"strings"

	"github.com/hupe1980/agenthive/capability"
	"github.com/hupe1980/agenthive/core"
)

// Messaging capability names.
const (
	CapSendMessage = "send_message"
	CapAwaitReply  = "await_reply"
	CapLocateAgent = "locate_agent"
)

// MessagingCapabilities returns the built-in inter-agent messaging
// capabilities. Every agent added through a Hive receives them.
func MessagingCapabilities() []*capability.Capability {
	return []*capability.Capability{
		sendMessageCapability(),
		awaitReplyCapability(),
		locateAgentCapability(),
	}
}

func sendMessageCapability() *capability.Capability {
	return &capability.Capability{
		Name:        CapSendMessage,
		Description: "Send a message to another agent's mailbox.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to": map[string]any{
					"type":        "string",
					"description": "Name of the recipient agent.",
				},
				"subject": map[string]any{
					"type":        "string",
					"description": "Optional subject line.",
				},
				"body": map[string]any{
					"type":        "string",
					"description": "Message body.",
				},
			},
			"required": []string{"to", "body"},
		},
		Func: func(callCtx *capability.Context, args map[string]any) (string, error) {
			if callCtx.Post == nil {
				return "", fmt.Errorf("no message router attached")
			}
			to, _ := args["to"].(string)
			subject, _ := args["subject"].(string)
			body, _ := args["body"].(string)

			msg := core.NewMessage(callCtx.AgentName, to, subject, body)
			if err := callCtx.Post.Send(msg); err != nil {
				return "", err
			}
			return fmt.Sprintf("message %s sent to %s", msg.ID, to), nil
		},
	}
}

func awaitReplyCapability() *capability.Capability {
	return &capability.Capability{
		Name:        CapAwaitReply,
		Description: "Wait for an incoming message, optionally filtered by correlation id.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"correlation_id": map[string]any{
					"type":        "string",
					"description": "Only accept messages carrying this correlation id.",
				},
			},
		},
		Func: func(callCtx *capability.Context, args map[string]any) (string, error) {
			if callCtx.Post == nil {
				return "", fmt.Errorf("no message router attached")
			}
			correlID, _ := args["correlation_id"].(string)

			msgs, err := callCtx.Post.Receive(callCtx.AgentName)
			if err != nil {
				return "", err
			}

			var matched []core.Message
			for _, msg := range msgs {
				if correlID == "" || msg.CorrelationID == correlID {
					matched = append(matched, msg)
				}
			}
			if len(matched) == 0 {
				// No pending message; the unit suspends on its mailbox.
				return "", &capability.AwaitReplyError{
					CorrelationID: correlID,
					Detail:        "mailbox empty",
				}
			}

			ids := make([]string, len(matched))
			lines := make([]string, len(matched))
			for i, msg := range matched {
				ids[i] = msg.ID
				lines[i] = fmt.Sprintf("message from %s: %s", msg.Sender, msg.Body)
			}
			if err := callCtx.Post.MarkRead(callCtx.AgentName, ids); err != nil {
				return "", err
			}
			return strings.Join(lines, "\n"), nil
		},
	}
}

func locateAgentCapability() *capability.Capability {
	return &capability.Capability{
		Name:        CapLocateAgent,
		Description: "Find agents that provide a named capability.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"capability": map[string]any{
					"type":        "string",
					"description": "Capability name to look up.",
				},
			},
			"required": []string{"capability"},
		},
		Func: func(callCtx *capability.Context, args map[string]any) (string, error) {
			if callCtx.Post == nil {
				return "", fmt.Errorf("no message router attached")
			}
			name, _ := args["capability"].(string)
			agents := callCtx.Post.Locate(name)
			if len(agents) == 0 {
				return fmt.Sprintf("no agent provides %q", name), nil
			}
			return fmt.Sprintf("agents providing %q: %s", name, strings.Join(agents, ", ")), nil
		},
	}
}
