// Package conversation implements the conversation store: an append-only
// per-conversation turn log, idempotent by external message id, indexed
// by session key.
package conversation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kynetic-ai/kbot/pkg/bus"
	"github.com/kynetic-ai/kbot/pkg/kerrors"
	"github.com/kynetic-ai/kbot/pkg/logger"
	"github.com/kynetic-ai/kbot/pkg/store/fsutil"
)

// Status is a conversation's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Role is a conversation turn's author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Conversation is the per-conversation metadata record (conversation.yaml).
type Conversation struct {
	ID         string            `yaml:"id" json:"id"`
	SessionKey string            `yaml:"session_key" json:"session_key"`
	Status     Status            `yaml:"status" json:"status"`
	CreatedAt  time.Time         `yaml:"created_at" json:"created_at"`
	UpdatedAt  time.Time         `yaml:"updated_at" json:"updated_at"`
	TurnCount  int               `yaml:"turn_count" json:"turn_count"`
	Metadata   map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// EventRange is the inclusive pointer into an agent session's event log
// that reconstructs a turn's content.
type EventRange struct {
	StartSeq int64 `json:"start_seq"`
	EndSeq   int64 `json:"end_seq"`
}

// Turn is one user/assistant/system turn within a conversation (one line of
// turns.jsonl).
type Turn struct {
	Seq        int64             `json:"seq"`
	TS         int64             `json:"ts"`
	Role       Role              `json:"role"`
	SessionID  string            `json:"session_id"`
	EventRange EventRange        `json:"event_range"`
	MessageID  string            `json:"message_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// AppendTurnInput is the caller-supplied shape for AppendTurn.
type AppendTurnInput struct {
	Role       Role
	SessionID  string
	EventRange EventRange
	MessageID  string
	Metadata   map[string]string
	TS         int64
	HasSeq     bool
	Seq        int64
}

// AppendTurnResult carries the written (or pre-existing, on idempotent
// replay) turn plus whether it was a duplicate.
type AppendTurnResult struct {
	Turn        Turn
	WasDuplicate bool
}

// SessionExistenceChecker lets the conversation store validate a turn's
// session_id against the session store without importing it directly.
type SessionExistenceChecker interface {
	SessionExists(id string) (bool, error)
}

type ListFilter struct {
	Status Status
	Limit  int
}

// Store is the on-disk conversation store rooted at <baseDir>/conversations.
type Store struct {
	baseDir      string
	locks        *fsutil.Locks
	bus          *bus.Bus
	sessionCheck SessionExistenceChecker
}

// New creates a Store rooted at baseDir. sessionCheck may be nil, in which
// case AppendTurn skips session-id validation; validation against a
// SessionStore only applies when one is attached.
func New(baseDir string, b *bus.Bus, sessionCheck SessionExistenceChecker) *Store {
	if b == nil {
		b = bus.New()
	}
	return &Store{baseDir: filepath.Join(baseDir, "conversations"), locks: fsutil.NewLocks(), bus: b, sessionCheck: sessionCheck}
}

func (s *Store) Bus() *bus.Bus { return s.bus }

func (s *Store) dir(id string) string        { return filepath.Join(s.baseDir, id) }
func (s *Store) metaPath(id string) string   { return filepath.Join(s.dir(id), "conversation.yaml") }
func (s *Store) turnsPath(id string) string  { return filepath.Join(s.dir(id), "turns.jsonl") }
func (s *Store) msgIdxPath(id string) string { return filepath.Join(s.dir(id), "message-id-index.json") }
func (s *Store) keyIdxPath() string          { return filepath.Join(s.baseDir, "session-key-index.json") }

type keyIndex map[string]string // session_key -> conversation_id

func (s *Store) readKeyIndex() (keyIndex, error) {
	idx := make(keyIndex)
	err := fsutil.ReadJSON(s.keyIdxPath(), &idx)
	if err != nil && !os.IsNotExist(err) {
		return nil, kerrors.IO("readKeyIndex", err)
	}
	return idx, nil
}

func (s *Store) writeKeyIndex(idx keyIndex) error {
	return fsutil.AtomicWriteJSON(s.keyIdxPath(), idx)
}

// CreateConversation creates the conversation directory, initializes empty
// logs, and inserts the session-key index entry. Emits conversation:created.
func (s *Store) CreateConversation(sessionKey string) (*Conversation, error) {
	conv, err := fsutil.WithLock(s.locks, s.keyIdxPath(), func() (*Conversation, error) {
		idx, err := s.readKeyIndex()
		if err != nil {
			return nil, err
		}
		if existingID, ok := idx[sessionKey]; ok {
			existing, err := s.getConversation(existingID)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				return existing, nil
			}
		}
		id := uuid.NewString()
		conv := &Conversation{
			ID:         id,
			SessionKey: sessionKey,
			Status:     StatusActive,
			CreatedAt:  time.Now().UTC(),
			UpdatedAt:  time.Now().UTC(),
		}
		if err := fsutil.AtomicWriteYAML(s.metaPath(id), conv); err != nil {
			return nil, kerrors.IO("createConversation", err)
		}
		if err := fsutil.EnsureFile(s.turnsPath(id)); err != nil {
			return nil, kerrors.IO("createConversation", err)
		}
		if err := fsutil.AtomicWriteJSON(s.msgIdxPath(id), map[string]int64{}); err != nil {
			return nil, kerrors.IO("createConversation", err)
		}
		idx[sessionKey] = id
		if err := s.writeKeyIndex(idx); err != nil {
			return nil, err
		}
		return conv, nil
	})
	if err != nil {
		return nil, err
	}
	s.bus.Emit("conversation:created", conv)
	return conv, nil
}

func (s *Store) getConversation(id string) (*Conversation, error) {
	var conv Conversation
	err := fsutil.ReadYAML(s.metaPath(id), &conv)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, kerrors.IO("getConversation", err)
	}
	return &conv, nil
}

// GetConversationBySessionKey looks up the conversation for key, or
// (nil, nil) if none exists yet.
func (s *Store) GetConversationBySessionKey(key string) (*Conversation, error) {
	idx, err := s.readKeyIndex()
	if err != nil {
		return nil, err
	}
	id, ok := idx[key]
	if !ok {
		return nil, nil
	}
	return s.getConversation(id)
}

// GetOrCreateConversation returns the existing conversation for key, or
// creates one.
func (s *Store) GetOrCreateConversation(key string) (*Conversation, error) {
	conv, err := s.GetConversationBySessionKey(key)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}
	return s.CreateConversation(key)
}

// ListConversations scans <base>/conversations for matching metadata.
func (s *Store) ListConversations(f ListFilter) ([]*Conversation, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kerrors.IO("listConversations", err)
	}
	var out []*Conversation
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		conv, err := s.getConversation(e.Name())
		if err != nil || conv == nil {
			continue
		}
		if f.Status != "" && conv.Status != f.Status {
			continue
		}
		out = append(out, conv)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// ArchiveConversation sets status=archived and bumps updated_at.
func (s *Store) ArchiveConversation(id string) (*Conversation, error) {
	return fsutil.WithLock(s.locks, s.metaPath(id), func() (*Conversation, error) {
		conv, err := s.getConversation(id)
		if err != nil {
			return nil, err
		}
		if conv == nil {
			return nil, kerrors.NotFound("archiveConversation")
		}
		conv.Status = StatusArchived
		conv.UpdatedAt = time.Now().UTC()
		if err := fsutil.AtomicWriteYAML(s.metaPath(id), conv); err != nil {
			return nil, kerrors.IO("archiveConversation", err)
		}
		return conv, nil
	})
}

// AppendTurn runs the full seven-step append contract serialized under
// the per-conversation lock: idempotence check, validation, session
// existence, seq/ts assignment, durable append, metadata bump, and
// message-id index update.
func (s *Store) AppendTurn(id string, in AppendTurnInput) (*AppendTurnResult, error) {
	return fsutil.WithLock(s.locks, s.turnsPath(id), func() (*AppendTurnResult, error) {
		// Step 1: idempotence on message_id.
		msgIdx, err := s.readMsgIndex(id)
		if err != nil {
			return nil, err
		}
		if in.MessageID != "" {
			if seq, ok := msgIdx[in.MessageID]; ok {
				turns, err := s.readTurnsRaw(id)
				if err != nil {
					return nil, err
				}
				for _, t := range turns {
					if t.Seq == seq {
						s.bus.Emit("turn:appended", map[string]any{"turn": t, "wasDuplicate": true})
						return &AppendTurnResult{Turn: t, WasDuplicate: true}, nil
					}
				}
			}
		}

		// Step 2: schema validation.
		if !in.Role.valid() {
			return nil, kerrors.Validation("appendTurn", "role", "user|assistant|system", string(in.Role))
		}
		if in.EventRange.StartSeq > in.EventRange.EndSeq {
			return nil, kerrors.Validation("appendTurn", "event_range", "start_seq<=end_seq", fmt.Sprintf("%d>%d", in.EventRange.StartSeq, in.EventRange.EndSeq))
		}

		// Step 3: referenced session must exist, when a checker is attached.
		if s.sessionCheck != nil {
			ok, err := s.sessionCheck.SessionExists(in.SessionID)
			if err != nil {
				return nil, kerrors.Storage("appendTurn", err)
			}
			if !ok {
				return nil, kerrors.Storage("appendTurn", fmt.Errorf("session %q does not exist", in.SessionID))
			}
		}

		conv, err := s.getConversation(id)
		if err != nil {
			return nil, err
		}
		if conv == nil {
			return nil, kerrors.NotFound("appendTurn")
		}

		// Step 4: assign ts/seq when absent.
		seq := in.Seq
		if !in.HasSeq {
			seq = int64(conv.TurnCount)
		}
		ts := in.TS
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		turn := Turn{
			Seq:        seq,
			TS:         ts,
			Role:       in.Role,
			SessionID:  in.SessionID,
			EventRange: in.EventRange,
			MessageID:  in.MessageID,
			Metadata:   in.Metadata,
		}

		// Step 5: append + fsync.
		if err := fsutil.AppendJSONLSync(s.turnsPath(id), &turn); err != nil {
			return nil, kerrors.IO("appendTurn", err)
		}

		// Step 6: atomically bump turn_count/updated_at.
		conv.TurnCount++
		conv.UpdatedAt = time.Now().UTC()
		if err := fsutil.AtomicWriteYAML(s.metaPath(id), conv); err != nil {
			return nil, kerrors.IO("appendTurn", err)
		}

		// Step 7: update message-id index, if present. This happens after
		// the turn line is durably written but before AppendTurn returns.
		if in.MessageID != "" {
			msgIdx[in.MessageID] = seq
			if err := fsutil.AtomicWriteJSON(s.msgIdxPath(id), msgIdx); err != nil {
				return nil, kerrors.IO("appendTurn", err)
			}
		}

		s.bus.Emit("turn:appended", map[string]any{"turn": turn, "wasDuplicate": false})
		return &AppendTurnResult{Turn: turn, WasDuplicate: false}, nil
	})
}

func (s *Store) readMsgIndex(id string) (map[string]int64, error) {
	idx := make(map[string]int64)
	err := fsutil.ReadJSON(s.msgIdxPath(id), &idx)
	if err == nil {
		return idx, nil
	}
	if !os.IsNotExist(err) {
		logger.WarnCF("conversation-store", "message-id index failed to load, rebuilding from log", map[string]interface{}{"conversation_id": id, "error": err.Error()})
	}
	return s.rebuildMsgIndex(id)
}

// rebuildMsgIndex reconstructs the message-id index by scanning turns.jsonl
// and atomically replaces the index file.
func (s *Store) rebuildMsgIndex(id string) (map[string]int64, error) {
	turns, err := s.readTurnsRaw(id)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]int64)
	for _, t := range turns {
		if t.MessageID != "" {
			idx[t.MessageID] = t.Seq
		}
	}
	if err := fsutil.AtomicWriteJSON(s.msgIdxPath(id), idx); err != nil {
		return nil, kerrors.IO("rebuildMsgIndex", err)
	}
	return idx, nil
}

func (s *Store) readTurnsRaw(id string) ([]Turn, error) {
	data, err := os.ReadFile(s.turnsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kerrors.IO("readTurns", err)
	}
	var out []Turn
	for i, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var t Turn
		if err := json.Unmarshal(line, &t); err != nil {
			logger.ErrorCF("conversation-store", "skipping malformed turn line", err, map[string]interface{}{"conversation_id": id, "line": i})
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ReadTurns returns every valid turn for id, sorted stably by Seq.
func (s *Store) ReadTurns(id string) ([]Turn, error) {
	turns, err := s.readTurnsRaw(id)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].Seq < turns[j].Seq })
	return turns, nil
}

// ReadTurnsSince returns turns with since <= seq (and seq <= until, when
// until >= 0).
func (s *Store) ReadTurnsSince(id string, since, until int64) ([]Turn, error) {
	all, err := s.ReadTurns(id)
	if err != nil {
		return nil, err
	}
	var out []Turn
	for _, t := range all {
		if t.Seq < since {
			continue
		}
		if until >= 0 && t.Seq > until {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// GetLastTurn returns the highest-seq turn, or nil if the conversation has
// no turns yet.
func (s *Store) GetLastTurn(id string) (*Turn, error) {
	all, err := s.ReadTurns(id)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	last := all[len(all)-1]
	return &last, nil
}

// GetTurnCount returns the number of valid turns for id.
func (s *Store) GetTurnCount(id string) (int, error) {
	all, err := s.ReadTurns(id)
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
