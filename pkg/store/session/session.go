// Package session implements the session log store: an append-only
// per-agent-session event log with sequence and timestamp, crash
// recovery, and a line-skipping read-recovery policy.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kynetic-ai/kbot/pkg/bus"
	"github.com/kynetic-ai/kbot/pkg/kerrors"
	"github.com/kynetic-ai/kbot/pkg/logger"
	"github.com/kynetic-ai/kbot/pkg/store/fsutil"
	"github.com/oklog/ulid/v2"
)

// Status is an agent session's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Session is the per-agent-session metadata record (session.yaml).
type Session struct {
	ID             string     `yaml:"id" json:"id"`
	AgentType      string     `yaml:"agent_type" json:"agent_type"`
	ConversationID string     `yaml:"conversation_id,omitempty" json:"conversation_id,omitempty"`
	SessionKey     string     `yaml:"session_key,omitempty" json:"session_key,omitempty"`
	Status         Status     `yaml:"status" json:"status"`
	StartedAt      time.Time  `yaml:"started_at" json:"started_at"`
	EndedAt        *time.Time `yaml:"ended_at,omitempty" json:"ended_at,omitempty"`
}

// Event is one append record in an agent session's event log (one line of
// events.jsonl).
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	TS        int64           `json:"ts"` // epoch ms
	TraceID   string          `json:"trace_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	EventSessionStart  = "session.start"
	EventSessionEnd    = "session.end"
	EventPromptSent    = "prompt.sent"
	EventMessageChunk  = "message.chunk"
	EventToolCall      = "tool.call"
	EventToolResult    = "tool.result"
	EventNote          = "note"
)

// AppendEventInput is the caller-supplied shape for AppendEvent; the store
// assigns TS when it is zero and Seq when HasSeq is false.
type AppendEventInput struct {
	Type      string
	SessionID string
	Data      json.RawMessage
	TraceID   string
	TS        int64
	Seq       int64
	HasSeq    bool // true if caller supplied an explicit Seq (which may be out of order)
}

// ListFilter narrows ListSessions.
type ListFilter struct {
	Status    Status
	AgentType string
	Limit     int
}

// Store is the on-disk session log store rooted at <baseDir>/sessions.
type Store struct {
	baseDir string
	locks   *fsutil.Locks
	bus     *bus.Bus
}

// New creates a Store rooted at baseDir (the <base>/sessions directory is
// created lazily on first write).
func New(baseDir string, b *bus.Bus) *Store {
	if b == nil {
		b = bus.New()
	}
	return &Store{baseDir: filepath.Join(baseDir, "sessions"), locks: fsutil.NewLocks(), bus: b}
}

// Bus exposes the store's event bus.
func (s *Store) Bus() *bus.Bus { return s.bus }

func (s *Store) dir(id string) string            { return filepath.Join(s.baseDir, id) }
func (s *Store) metaPath(id string) string        { return filepath.Join(s.dir(id), "session.yaml") }
func (s *Store) eventsPath(id string) string       { return filepath.Join(s.dir(id), "events.jsonl") }

// NewSessionID mints a lexicographically sortable unique id.
func NewSessionID() string {
	return ulid.Make().String()
}

// CreateSession writes session.yaml with status=active. Fails if id already
// exists.
func (s *Store) CreateSession(id, agentType, conversationID, sessionKey string) (*Session, error) {
	path := s.metaPath(id)
	_, err := fsutil.WithLock(s.locks, path, func() (*Session, error) {
		if _, err := os.Stat(path); err == nil {
			return nil, kerrors.New(kerrors.KindValidation, "createSession", fmt.Errorf("session %q already exists", id))
		}
		sess := &Session{
			ID:             id,
			AgentType:      agentType,
			ConversationID: conversationID,
			SessionKey:     sessionKey,
			Status:         StatusActive,
			StartedAt:      time.Now().UTC(),
		}
		if err := fsutil.AtomicWriteYAML(path, sess); err != nil {
			return nil, kerrors.IO("createSession", err)
		}
		if err := fsutil.EnsureFile(s.eventsPath(id)); err != nil {
			return nil, kerrors.IO("createSession", err)
		}
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	sess, _ := s.GetSession(id)
	return sess, nil
}

// GetSession returns the session's metadata, or (nil, nil) if absent.
func (s *Store) GetSession(id string) (*Session, error) {
	var sess Session
	err := fsutil.ReadYAML(s.metaPath(id), &sess)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, kerrors.IO("getSession", err)
	}
	return &sess, nil
}

// UpdateSessionStatus atomically rewrites status (and ended_at when leaving
// active). Returns (nil, nil) if the session doesn't exist.
func (s *Store) UpdateSessionStatus(id string, status Status) (*Session, error) {
	path := s.metaPath(id)
	return fsutil.WithLock(s.locks, path, func() (*Session, error) {
		var sess Session
		if err := fsutil.ReadYAML(path, &sess); err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, kerrors.IO("updateSessionStatus", err)
		}
		sess.Status = status
		if status != StatusActive {
			now := time.Now().UTC()
			sess.EndedAt = &now
		} else {
			sess.EndedAt = nil
		}
		if err := fsutil.AtomicWriteYAML(path, &sess); err != nil {
			return nil, kerrors.IO("updateSessionStatus", err)
		}
		return &sess, nil
	})
}

// SessionExists implements conversation.SessionExistenceChecker.
func (s *Store) SessionExists(id string) (bool, error) {
	sess, err := s.GetSession(id)
	if err != nil {
		return false, err
	}
	return sess != nil, nil
}

// ListSessions scans <base>/sessions and returns matching metadata.
func (s *Store) ListSessions(f ListFilter) ([]*Session, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kerrors.IO("listSessions", err)
	}
	var out []*Session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sess, err := s.GetSession(e.Name())
		if err != nil || sess == nil {
			continue
		}
		if f.Status != "" && sess.Status != f.Status {
			continue
		}
		if f.AgentType != "" && sess.AgentType != f.AgentType {
			continue
		}
		out = append(out, sess)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// RecoverOrphanedSessions scans for status=active sessions and rewrites each
// as abandoned with ended_at=now. Run once at process start. Idempotent:
// running it twice yields the same result as once (the second pass finds
// nothing left in status=active).
func (s *Store) RecoverOrphanedSessions() (int, error) {
	actives, err := s.ListSessions(ListFilter{Status: StatusActive})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sess := range actives {
		if _, err := s.UpdateSessionStatus(sess.ID, StatusAbandoned); err != nil {
			logger.ErrorCF("session-store", "failed to abandon orphaned session", err, map[string]interface{}{"session_id": sess.ID})
			continue
		}
		n++
	}
	return n, nil
}

// AppendEvent assigns ts/seq when absent, appends one fsynced JSON line, and
// emits session.event:appended.
func (s *Store) AppendEvent(in AppendEventInput) (*Event, error) {
	path := s.eventsPath(in.SessionID)
	return fsutil.WithLock(s.locks, path, func() (*Event, error) {
		seq := in.Seq
		if !in.HasSeq {
			last, err := s.lastSeqLocked(in.SessionID)
			if err != nil {
				return nil, err
			}
			seq = last + 1
		}
		ts := in.TS
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		ev := &Event{
			Type:      in.Type,
			SessionID: in.SessionID,
			Seq:       seq,
			TS:        ts,
			TraceID:   in.TraceID,
			Data:      in.Data,
		}
		if err := fsutil.AppendJSONLSync(path, ev); err != nil {
			return nil, kerrors.IO("appendEvent", err)
		}
		s.bus.Emit("session.event:appended", ev)
		return ev, nil
	})
}

// lastSeqLocked must be called while holding the events file lock.
func (s *Store) lastSeqLocked(sessionID string) (int64, error) {
	events, err := s.readEventsRaw(sessionID)
	if err != nil {
		return -1, err
	}
	if len(events) == 0 {
		return -1, nil
	}
	max := events[0].Seq
	for _, e := range events[1:] {
		if e.Seq > max {
			max = e.Seq
		}
	}
	return max, nil
}

// readEventsRaw reads and parses every valid line, skipping malformed ones
// with a single logged error each, without sorting.
func (s *Store) readEventsRaw(sessionID string) ([]Event, error) {
	path := s.eventsPath(sessionID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kerrors.IO("readEvents", err)
	}
	var out []Event
	for i, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			logger.ErrorCF("session-store", "skipping malformed event line", err, map[string]interface{}{"session_id": sessionID, "line": i})
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// ReadEvents returns every valid event for sessionID, sorted stably by Seq.
func (s *Store) ReadEvents(sessionID string) ([]Event, error) {
	path := s.eventsPath(sessionID)
	return fsutil.WithLock(s.locks, path, func() ([]Event, error) {
		events, err := s.readEventsRaw(sessionID)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
		return events, nil
	})
}

// ReadEventsSince returns events with since <= seq (and seq <= until, when
// until >= 0), sorted by Seq.
func (s *Store) ReadEventsSince(sessionID string, since int64, until int64) ([]Event, error) {
	all, err := s.ReadEvents(sessionID)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, e := range all {
		if e.Seq < since {
			continue
		}
		if until >= 0 && e.Seq > until {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// GetLastEvent returns the highest-seq event, or nil if the log is empty.
func (s *Store) GetLastEvent(sessionID string) (*Event, error) {
	all, err := s.ReadEvents(sessionID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	last := all[len(all)-1]
	return &last, nil
}

// GetEventCount returns the number of valid events for sessionID.
func (s *Store) GetEventCount(sessionID string) (int, error) {
	all, err := s.ReadEvents(sessionID)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
