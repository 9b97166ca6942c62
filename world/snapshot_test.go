package world

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agenthive/agent"
	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/model"
)

func buildWorld(t *testing.T) *World {
	t.Helper()

	w := New()

	llm := model.NewScriptedModel("m",
		model.ScriptStep{Text: "done: report written"},
	)
	writer := agent.New("writer", llm, func(o *agent.Options) {
		o.Persona = "You write reports."
		o.Router = w.Router()
		o.Signal = w.Signal()
	})
	require.NoError(t, w.AddAgent(writer))

	reviewer := agent.New("reviewer", model.NewMockModel("m2"), func(o *agent.Options) {
		o.Router = w.Router()
		o.Signal = w.Signal()
	})
	require.NoError(t, w.AddAgent(reviewer))

	unit := writer.NewUnit("write the quarterly report")
	w.Track(unit)
	_, err := unit.Run(context.Background())
	require.NoError(t, err)

	msg := core.NewMessage("writer", "reviewer", "review", "please review the report")
	require.NoError(t, w.Router().Send(msg))

	return w
}

// stripTakenAt removes the timestamp that legitimately differs between two
// snapshots of identical state.
func stripTakenAt(t *testing.T, snap *Snapshot) string {
	t.Helper()
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	delete(doc, "taken_at")
	out, err := json.Marshal(doc)
	require.NoError(t, err)
	return string(out)
}

func TestSnapshotRestoreIdentity(t *testing.T) {
	w := buildWorld(t)
	snap := NewManager(w).Snapshot()

	assert.Equal(t, SnapshotVersion, snap.Version)
	require.Len(t, snap.Agents, 2)

	// Restore into a fresh world and snapshot again: the documents must
	// describe identical state.
	w2 := New()
	m2 := NewManager(w2)
	err := m2.Restore(snap, func(name, persona string, capabilities []string) (*agent.Agent, error) {
		return agent.New(name, model.NewMockModel("m"), func(o *agent.Options) {
			o.Persona = persona
			o.Router = w2.Router()
			o.Signal = w2.Signal()
		}), nil
	})
	require.NoError(t, err)

	snap2 := m2.Snapshot()
	assert.JSONEq(t, stripTakenAt(t, snap), stripTakenAt(t, snap2))

	// Restored state is live: the reviewer sees the pending message.
	unread, err := w2.Router().Receive("reviewer")
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "please review the report", unread[0].Body)

	writer, ok := w2.Agent("writer")
	require.True(t, ok)
	assert.Equal(t, "You write reports.", writer.Persona())
	assert.NotEmpty(t, writer.Memory())

	units := w2.Units()
	require.Len(t, units, 1)
	assert.Equal(t, agent.PhaseCompleted, units[0].Phase())
}

func TestSnapshotCapturesSignal(t *testing.T) {
	w := New()
	ts := time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)
	w.Signal().Set(false, ts)

	snap := NewManager(w).Snapshot()
	assert.False(t, snap.Monitor.Available)
	assert.Equal(t, ts, snap.Monitor.LastChecked)

	w2 := New()
	require.NoError(t, NewManager(w2).Restore(snap, func(name, persona string, capabilities []string) (*agent.Agent, error) {
		t.Fatal("factory must not be called for an agentless snapshot")
		return nil, nil
	}))
	assert.False(t, w2.Signal().IsAvailable())
	assert.Equal(t, ts, w2.Signal().LastChecked())
}

func TestSnapshotVersionCheck(t *testing.T) {
	w := New()
	m := NewManager(w)

	err := m.Restore(&Snapshot{Version: 99}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")

	err = m.Restore(nil, nil)
	assert.Error(t, err)
}

func TestSnapshotRejectsBrokenUnitLinks(t *testing.T) {
	snap := &Snapshot{
		Version: SnapshotVersion,
		Agents: []AgentState{{
			Name: "writer",
			Units: []agent.UnitState{{
				ID:        "parent-1",
				AgentName: "writer",
				Phase:     agent.PhaseCompleted,
				Children: []agent.UnitState{{
					ID:        "child-1",
					AgentName: "writer",
					ParentID:  "someone-else",
					Phase:     agent.PhaseCompleted,
				}},
			}},
		}},
	}

	w := New()
	err := NewManager(w).Restore(snap, func(name, persona string, capabilities []string) (*agent.Agent, error) {
		return agent.New(name, model.NewMockModel("m")), nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parent_id")
}

func TestSnapshotSaveLoad(t *testing.T) {
	w := buildWorld(t)
	snap := NewManager(w).Snapshot()

	path := filepath.Join(t.TempDir(), "state", "world.json")
	require.NoError(t, Save(snap, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.JSONEq(t, stripTakenAt(t, snap), stripTakenAt(t, loaded))

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
		assert.Error(t, err)
	})
}
