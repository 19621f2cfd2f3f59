// Package router implements the session-key router: deterministic
// session-key derivation and per-peer session record lookup/creation.
package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/kynetic-ai/kbot/pkg/kerrors"
	"github.com/kynetic-ai/kbot/pkg/message"
)

// PeerKind distinguishes a direct-message peer from a channel peer.
type PeerKind string

const (
	PeerUser    PeerKind = "user"
	PeerChannel PeerKind = "channel"
)

// Session is the per-peer logical session container. AgentSessionID is
// empty when idle.
type Session struct {
	Key          string
	Agent        string
	Platform     string
	PeerID       string
	PeerKind     PeerKind
	CreatedAt    time.Time
	LastActivity time.Time

	mu             sync.Mutex
	recentIDs      map[string]struct{} // local intake idempotence (distinct from the conversation store's durable idempotence)
	recentOrder    []string
	AgentSessionID string
}

const recentContextBufferSize = 64

// SeenMessage reports whether id is already present in the bounded
// recent-context buffer, recording it if not.
func (s *Session) SeenMessage(id string) (alreadySeen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recentIDs == nil {
		s.recentIDs = make(map[string]struct{})
	}
	if _, ok := s.recentIDs[id]; ok {
		return true
	}
	s.recentIDs[id] = struct{}{}
	s.recentOrder = append(s.recentOrder, id)
	if len(s.recentOrder) > recentContextBufferSize {
		evict := s.recentOrder[0]
		s.recentOrder = s.recentOrder[1:]
		delete(s.recentIDs, evict)
	}
	return false
}

// Router derives session keys and owns the set of valid agent ids plus the
// key -> Session table.
type Router struct {
	mu       sync.RWMutex
	agents   map[string]struct{}
	sessions map[string]*Session
}

// New creates an empty Router.
func New() *Router {
	return &Router{agents: make(map[string]struct{}), sessions: make(map[string]*Session)}
}

// AddAgent registers agentID as valid.
func (r *Router) AddAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentID] = struct{}{}
}

// RemoveAgent deregisters agentID.
func (r *Router) RemoveAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}

// HasAgent reports whether agentID is registered.
func (r *Router) HasAgent(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// Snapshot returns the currently registered agent ids.
func (r *Router) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for a := range r.agents {
		out = append(out, a)
	}
	return out
}

// Key derives the deterministic session key "<agent>:<platform>:<peerKind>:<peerId>".
// Equal inputs always produce equal keys.
func Key(agent, platform string, peerKind PeerKind, peerID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", agent, platform, peerKind, peerID)
}

// ResolveSession computes the key for msg under agentID (always
// peerKind=user for message senders), creates the session record if
// absent, records msg.ID in the recent-context buffer if new, and bumps
// lastActivity.
func (r *Router) ResolveSession(msg message.Normalized, agentID string) (*Session, error) {
	if !r.HasAgent(agentID) {
		return nil, kerrors.UnknownAgent(agentID)
	}
	key := Key(agentID, msg.Sender.Platform, PeerUser, msg.Sender.ID)

	r.mu.Lock()
	sess, ok := r.sessions[key]
	if !ok {
		sess = &Session{
			Key:          key,
			Agent:        agentID,
			Platform:     msg.Sender.Platform,
			PeerID:       msg.Sender.ID,
			PeerKind:     PeerUser,
			CreatedAt:    time.Now(),
			LastActivity: time.Now(),
		}
		r.sessions[key] = sess
	}
	r.mu.Unlock()

	sess.SeenMessage(msg.ID)
	sess.mu.Lock()
	sess.LastActivity = time.Now()
	sess.mu.Unlock()

	return sess, nil
}

// GetSession returns the in-memory session record for key, if any.
func (r *Router) GetSession(key string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	return s, ok
}

// EvictSession destroys the session record for key. Sessions are
// destroyed only on explicit eviction, never implicitly.
func (r *Router) EvictSession(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, key)
}
