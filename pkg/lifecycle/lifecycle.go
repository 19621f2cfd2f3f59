// Package lifecycle implements the session lifecycle manager: the
// per-session-key map of active agent-session state, the serial-per-key
// execution guarantee, rotation on context pressure, and
// recovery-from-crash adoption.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/kynetic-ai/kbot/pkg/agent"
	"github.com/kynetic-ai/kbot/pkg/bus"
	"github.com/kynetic-ai/kbot/pkg/store/conversation"
	"github.com/kynetic-ai/kbot/pkg/store/session"
)

// SessionState is the per-session-key in-memory record.
type SessionState struct {
	ACPSessionID         string
	ConversationID       string
	ContextUsageFraction float64
	CreatedAt            time.Time
	RotationCount        int
}

// SessionStore is the subset of *session.Store the lifecycle manager
// needs; *session.Store satisfies it directly.
type SessionStore interface {
	GetSession(id string) (*session.Session, error)
	CreateSession(id, agentType, conversationID, sessionKey string) (*session.Session, error)
	UpdateSessionStatus(id string, status session.Status) (*session.Session, error)
}

// ConversationStore is the subset of *conversation.Store the lifecycle
// manager needs for recovery adoption; *conversation.Store satisfies it
// directly.
type ConversationStore interface {
	GetConversationBySessionKey(key string) (*conversation.Conversation, error)
	GetLastTurn(id string) (*conversation.Turn, error)
}

// Result is getOrCreateSession's return value.
type Result struct {
	State        SessionState
	IsNew        bool
	WasRotated   bool
	WasRecovered bool
}

// Manager owns the key -> SessionState map.
type Manager struct {
	rotationThreshold float64
	locks             *keyLocks
	bus               *bus.Bus

	statesMu sync.Mutex
	states   map[string]*SessionState
}

// New creates a Manager. rotationThreshold defaults to 0.7 when <= 0.
func New(rotationThreshold float64, b *bus.Bus) *Manager {
	if rotationThreshold <= 0 {
		rotationThreshold = 0.7
	}
	if b == nil {
		b = bus.New()
	}
	return &Manager{
		rotationThreshold: rotationThreshold,
		locks:             newKeyLocks(),
		bus:               b,
		states:            make(map[string]*SessionState),
	}
}

func (m *Manager) Bus() *bus.Bus { return m.bus }

// GetOrCreateSession is the manager's core operation: find, recover, or
// create the session state for key, rotating it first if its context
// usage has crossed the configured threshold.
func (m *Manager) GetOrCreateSession(
	ctx context.Context,
	key, agentType string,
	client agent.Client,
	convStore ConversationStore,
	sessStore SessionStore,
) (*Result, error) {
	return withLock(m.locks, key, func() (*Result, error) {
		m.statesMu.Lock()
		state, exists := m.states[key]
		m.statesMu.Unlock()

		if !exists {
			return m.createOrRecover(ctx, key, agentType, client, convStore, sessStore)
		}

		if state.ContextUsageFraction >= m.rotationThreshold {
			return m.rotate(ctx, key, agentType, state, client, sessStore)
		}

		return &Result{State: *state}, nil
	})
}

func (m *Manager) createOrRecover(
	ctx context.Context,
	key, agentType string,
	client agent.Client,
	convStore ConversationStore,
	sessStore SessionStore,
) (*Result, error) {
	conv, err := convStore.GetConversationBySessionKey(key)
	if err != nil {
		m.bus.Emit("session:restore:error", map[string]any{"key": key, "err": err})
		return nil, err
	}

	if conv != nil {
		lastTurn, err := convStore.GetLastTurn(conv.ID)
		if err != nil {
			m.bus.Emit("session:restore:error", map[string]any{"key": key, "err": err})
		} else if lastTurn != nil {
			sess, err := sessStore.GetSession(lastTurn.SessionID)
			if err != nil {
				m.bus.Emit("session:restore:error", map[string]any{"key": key, "err": err})
			} else if sess != nil && sess.Status == session.StatusActive {
				state := &SessionState{
					ACPSessionID:   sess.ID,
					ConversationID: conv.ID,
					CreatedAt:      time.Now(),
				}
				m.statesMu.Lock()
				m.states[key] = state
				m.statesMu.Unlock()
				m.bus.Emit("session:recovered", map[string]any{"key": key, "sessionId": sess.ID})
				return &Result{State: *state, WasRecovered: true}, nil
			}
		}
	}

	convID := ""
	if conv != nil {
		convID = conv.ID
	}
	acpID, err := client.NewSession(ctx, map[string]any{"agentType": agentType})
	if err != nil {
		return nil, err
	}
	state := &SessionState{
		ACPSessionID:   acpID,
		ConversationID: convID,
		CreatedAt:      time.Now(),
	}
	m.statesMu.Lock()
	m.states[key] = state
	m.statesMu.Unlock()
	m.bus.Emit("session:created", map[string]any{"key": key, "sessionId": acpID})
	return &Result{State: *state, IsNew: true}, nil
}

func (m *Manager) rotate(
	ctx context.Context,
	key, agentType string,
	old *SessionState,
	client agent.Client,
	sessStore SessionStore,
) (*Result, error) {
	if _, err := sessStore.UpdateSessionStatus(old.ACPSessionID, session.StatusCompleted); err != nil {
		return nil, err
	}
	acpID, err := client.NewSession(ctx, map[string]any{"agentType": agentType})
	if err != nil {
		return nil, err
	}
	state := &SessionState{
		ACPSessionID:   acpID,
		ConversationID: old.ConversationID,
		CreatedAt:      time.Now(),
		RotationCount:  old.RotationCount + 1,
	}
	m.statesMu.Lock()
	m.states[key] = state
	m.statesMu.Unlock()
	m.bus.Emit("session:rotated", map[string]any{"key": key, "from": old.ACPSessionID, "to": acpID})
	return &Result{State: *state, WasRotated: true}, nil
}

// UpdateContextUsage mutates the in-place context-usage fraction for key;
// the next GetOrCreateSession call may decide to rotate. No-op if key has
// no in-memory state yet.
func (m *Manager) UpdateContextUsage(key string, fraction float64) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	if s, ok := m.states[key]; ok {
		s.ContextUsageFraction = fraction
	}
}

// SetConversationID attaches a conversation id to an in-memory state that
// was created without one yet (orchestrator step 5).
func (m *Manager) SetConversationID(key, conversationID string) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	if s, ok := m.states[key]; ok {
		s.ConversationID = conversationID
	}
}

// EndSession removes the in-memory entry for key.
func (m *Manager) EndSession(key string) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	delete(m.states, key)
}

// Snapshot returns a copy of the current state for key, if any.
func (m *Manager) Snapshot(key string) (SessionState, bool) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	s, ok := m.states[key]
	if !ok {
		return SessionState{}, false
	}
	return *s, true
}

// Keys returns every session key with live in-memory state, used by
// orchestrator shutdown to mark active agent sessions completed.
func (m *Manager) Keys() []string {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	out := make([]string, 0, len(m.states))
	for k := range m.states {
		out = append(out, k)
	}
	return out
}
