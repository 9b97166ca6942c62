// Package negotiate implements the clarification layer ("cerebellum") that
// reconciles a model's free-form intent with a capability's strict call
// schema. Instead of failing hard on a malformed invocation, the negotiator
// runs a bounded back-and-forth with the model until the call validates or the
// round limit is reached.
package negotiate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hupe1980/agenthive/capability"
	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/internal/util"
	"github.com/hupe1980/agenthive/logging"
	"github.com/hupe1980/agenthive/model"
)

// DefaultMaxRounds bounds the clarification dialogue.
const DefaultMaxRounds = 5

// ValidatedCall is a fully populated, schema-satisfying capability invocation.
type ValidatedCall struct {
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args"`
}

// ExhaustedError reports that the model could not be steered to a valid call
// within the round limit. LastReply carries the final clarification state for
// diagnosis; Missing lists the required fields still absent.
type ExhaustedError struct {
	Capability string
	Rounds     int
	LastReply  string
	Missing    []string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("negotiation for %q exhausted after %d rounds (missing: %s)",
		e.Capability, e.Rounds, strings.Join(e.Missing, ", "))
}

// Negotiator converts intent text plus a candidate capability name into a
// ValidatedCall through at most maxRounds sequential model calls. Each round
// carries only the negotiation context (schema, missing fields, previous
// reply), never the unit's full task history.
type Negotiator struct {
	llm       model.Model
	maxRounds int
	signal    *core.AvailabilitySignal
	logger    logging.Logger
}

// Options configures a Negotiator.
type Options struct {
	// MaxRounds bounds the dialogue. Defaults to DefaultMaxRounds.
	MaxRounds int
	// Signal, when set, gates every clarification round the same way the
	// execution loop gates its model calls.
	Signal *core.AvailabilitySignal
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// New constructs a Negotiator driven by llm.
func New(llm model.Model, optFns ...func(o *Options)) *Negotiator {
	opts := Options{MaxRounds: DefaultMaxRounds, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = DefaultMaxRounds
	}
	return &Negotiator{
		llm:       llm,
		maxRounds: opts.MaxRounds,
		signal:    opts.Signal,
		logger:    logging.OrNoOp(opts.Logger),
	}
}

// MaxRounds returns the configured round limit.
func (n *Negotiator) MaxRounds() int { return n.maxRounds }

// Negotiate maps intent onto candidate's schema, drawn from table. An unknown
// or ambiguous candidate name spends clarification rounds re-selecting from
// the table before argument filling begins. Returns *ExhaustedError once the
// round budget is spent.
func (n *Negotiator) Negotiate(
	callCtx *capability.Context,
	intent string,
	candidate string,
	table map[string]*capability.Capability,
) (*ValidatedCall, error) {
	round := 0
	lastReply := ""
	args := map[string]any{}

	target, ok := table[candidate]
	for !ok {
		if round >= n.maxRounds {
			return nil, &ExhaustedError{
				Capability: candidate,
				Rounds:     round,
				LastReply:  lastReply,
				Missing:    []string{"capability"},
			}
		}
		round++

		reply, err := n.ask(callCtx, selectionPrompt(intent, candidate, table))
		if err != nil {
			return nil, err
		}
		lastReply = reply

		candidate = pickName(reply, table)
		target, ok = table[candidate]
		n.logger.Debug("negotiate.select", "round", round, "candidate", candidate, "resolved", ok)
	}

	for {
		if round >= n.maxRounds {
			return nil, &ExhaustedError{
				Capability: target.Name,
				Rounds:     round,
				LastReply:  lastReply,
				Missing:    util.MissingRequired(args, target.Parameters),
			}
		}
		round++

		var prompt string
		if len(args) == 0 && lastReply == "" {
			prompt = extractionPrompt(intent, target)
		} else {
			prompt = clarificationPrompt(intent, target, args, lastReply)
		}

		reply, err := n.ask(callCtx, prompt)
		if err != nil {
			return nil, err
		}
		lastReply = reply

		if extracted, ok := util.ExtractJSONObject(reply); ok {
			// Incorporate the reply over what earlier rounds produced.
			for k, v := range extracted {
				args[k] = v
			}
		}

		if err := util.ValidateParameters(args, target.Parameters); err == nil {
			n.logger.Debug("negotiate.accepted", "capability", target.Name, "rounds", round)
			return &ValidatedCall{Capability: target.Name, Args: args}, nil
		}

		n.logger.Debug("negotiate.round",
			"capability", target.Name, "round", round,
			"missing", strings.Join(util.MissingRequired(args, target.Parameters), ","))
	}
}

// ask issues one sequential model call carrying only negotiation context.
func (n *Negotiator) ask(callCtx *capability.Context, prompt string) (string, error) {
	if n.signal != nil && !n.signal.IsAvailable() {
		if err := n.signal.AwaitAvailable(callCtx.Context, 0); err != nil {
			return "", err
		}
	}

	resp, err := n.llm.Complete(callCtx.Context, model.Request{
		Instructions: "You translate task intents into structured capability calls. Answer with a single JSON object and nothing else.",
		Exchanges:    []core.Exchange{core.NewExchange(core.RoleUser, prompt)},
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// extractionPrompt asks for a first mapping of intent onto the schema.
func extractionPrompt(intent string, target *capability.Capability) string {
	schema, _ := json.Marshal(target.Parameters)
	return fmt.Sprintf(
		"Intent: %s\n\nFill the arguments for capability %q.\nParameter schema: %s\nReply with a JSON object containing only the arguments.",
		intent, target.Name, schema)
}

// clarificationPrompt asks for the still-missing required fields, carrying the
// previous reply but not the task history.
func clarificationPrompt(intent string, target *capability.Capability, args map[string]any, lastReply string) string {
	schema, _ := json.Marshal(target.Parameters)
	have, _ := json.Marshal(args)
	missing := util.MissingRequired(args, target.Parameters)
	return fmt.Sprintf(
		"Intent: %s\nCapability: %s\nParameter schema: %s\nArguments so far: %s\nYour previous reply: %s\n\nThe required fields %s are still missing or invalid. Reply with a JSON object supplying them.",
		intent, target.Name, schema, have, lastReply, strings.Join(missing, ", "))
}

// selectionPrompt asks the model to pick a valid capability name.
func selectionPrompt(intent string, invalid string, table map[string]*capability.Capability) string {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Intent: %s\n\nThe capability %q is not available. Choose one of:\n", intent, invalid)
	for _, name := range names {
		fmt.Fprintf(&sb, "- %s: %s\n", name, table[name].Description)
	}
	sb.WriteString("Reply with a JSON object {\"capability\": \"<name>\"}.")
	return sb.String()
}

// pickName extracts a capability choice from a selection reply, falling back
// to scanning for any known name mentioned in the text.
func pickName(reply string, table map[string]*capability.Capability) string {
	if obj, ok := util.ExtractJSONObject(reply); ok {
		if name, ok := obj["capability"].(string); ok {
			return name
		}
	}

	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.Contains(reply, name) {
			return name
		}
	}
	return ""
}
