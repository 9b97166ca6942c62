package world

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hupe1980/agenthive/agent"
	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/logging"
)

// SnapshotVersion is bumped when the snapshot document shape changes.
const SnapshotVersion = 1

// Snapshot is the full serializable state of a world: every agent's memory,
// mailbox and unit tree, plus the monitor signal. Restoring a snapshot and
// snapshotting again yields an identical document.
type Snapshot struct {
	Version int          `json:"version"`
	TakenAt time.Time    `json:"taken_at"`
	Monitor MonitorState `json:"monitor"`
	Agents  []AgentState `json:"agents"`
}

// MonitorState captures the availability signal at snapshot time.
type MonitorState struct {
	Available   bool      `json:"available"`
	LastChecked time.Time `json:"last_checked"`
}

// AgentState is one agent's slice of the snapshot.
type AgentState struct {
	Name         string            `json:"name"`
	Persona      string            `json:"persona,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Memory       []core.Exchange   `json:"memory,omitempty"`
	Mailbox      MailboxState      `json:"mailbox"`
	Units        []agent.UnitState `json:"units,omitempty"`
}

// MailboxState is the full message history plus read markers.
type MailboxState struct {
	Messages []core.Message `json:"messages,omitempty"`
	ReadIDs  []string       `json:"read_ids,omitempty"`
}

// AgentFactory rebuilds an agent from its snapshot identity. The factory owns
// capability resolution and model wiring; the manager only validates and
// reattaches state.
type AgentFactory func(name, persona string, capabilities []string) (*agent.Agent, error)

// Manager takes and restores snapshots of one world. Snapshot must be called
// at quiescence: every unit suspended or terminal, no send in flight.
type Manager struct {
	world  *World
	logger logging.Logger
}

// NewManager constructs a Manager for w.
func NewManager(w *World, optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{world: w, logger: logging.OrNoOp(opts.Logger)}
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Snapshot captures the world as a versioned document.
func (m *Manager) Snapshot() *Snapshot {
	snap := &Snapshot{
		Version: SnapshotVersion,
		TakenAt: time.Now().UTC(),
		Monitor: MonitorState{
			Available:   m.world.Signal().IsAvailable(),
			LastChecked: m.world.Signal().LastChecked(),
		},
	}

	unitsByAgent := map[string][]agent.UnitState{}
	for _, u := range m.world.Units() {
		state := u.State()
		unitsByAgent[state.AgentName] = append(unitsByAgent[state.AgentName], state)
	}

	for _, name := range m.world.AgentNames() {
		a, _ := m.world.Agent(name)

		capNames := make([]string, 0, len(a.Capabilities()))
		for capName := range a.Capabilities() {
			capNames = append(capNames, capName)
		}
		sort.Strings(capNames)

		state := AgentState{
			Name:         name,
			Persona:      a.Persona(),
			Capabilities: capNames,
			Memory:       a.Memory(),
			Units:        unitsByAgent[name],
		}

		if box, ok := m.world.Router().Mailbox(name); ok {
			state.Mailbox = MailboxState{
				Messages: box.History(),
				ReadIDs:  box.ReadIDs(),
			}
		}

		snap.Agents = append(snap.Agents, state)
	}

	m.logger.Info("world.snapshot.taken", "agents", len(snap.Agents))
	return snap
}

// Restore rebuilds the world from snap. Agents come from factory; memory,
// mailboxes and unit trees are reattached, and units left in a waiting phase
// re-evaluate their awaited condition on the next Run.
func (m *Manager) Restore(snap *Snapshot, factory AgentFactory) error {
	if snap == nil {
		return fmt.Errorf("restore: nil snapshot")
	}
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("restore: unsupported snapshot version %d (want %d)", snap.Version, SnapshotVersion)
	}
	if err := validateUnitLinks(snap); err != nil {
		return err
	}

	m.world.Signal().Set(snap.Monitor.Available, snap.Monitor.LastChecked)

	for _, state := range snap.Agents {
		a, err := factory(state.Name, state.Persona, state.Capabilities)
		if err != nil {
			return fmt.Errorf("restore agent %s: %w", state.Name, err)
		}

		a.RestoreMemory(state.Memory)
		if err := m.world.AddAgent(a); err != nil {
			return err
		}
		m.world.Router().RestoreMailbox(state.Name, state.Mailbox.Messages, state.Mailbox.ReadIDs)

		for _, unitState := range state.Units {
			m.world.Track(agent.RestoreUnit(a, unitState))
		}
	}

	m.logger.Info("world.snapshot.restored", "agents", len(snap.Agents))
	return nil
}

// validateUnitLinks checks that every child state points back at its parent.
func validateUnitLinks(snap *Snapshot) error {
	var walk func(parent *agent.UnitState, state agent.UnitState) error
	walk = func(parent *agent.UnitState, state agent.UnitState) error {
		if parent != nil && state.ParentID != parent.ID {
			return fmt.Errorf("restore: unit %s has parent_id %q, expected %q",
				state.ID, state.ParentID, parent.ID)
		}
		for _, child := range state.Children {
			if err := walk(&state, child); err != nil {
				return err
			}
		}
		return nil
	}

	for _, agentState := range snap.Agents {
		for _, unitState := range agentState.Units {
			if err := walk(nil, unitState); err != nil {
				return err
			}
		}
	}
	return nil
}

// Save writes snap to path atomically: the document lands in a temp file that
// is renamed into place, so a crash never leaves a torn snapshot.
func Save(snap *Snapshot, path string) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*.json")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Load reads a snapshot document from path.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("snapshot version %d unsupported (want %d)", snap.Version, SnapshotVersion)
	}
	return &snap, nil
}
