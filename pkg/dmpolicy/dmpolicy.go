// Package dmpolicy implements the DM-policy manager: the gatekeeper for
// inbound direct messages, with a pairing-code approval workflow for
// channels requiring it.
package dmpolicy

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/kynetic-ai/kbot/pkg/bus"
	"github.com/kynetic-ai/kbot/pkg/kerrors"
	"github.com/kynetic-ai/kbot/pkg/logger"
	"github.com/kynetic-ai/kbot/pkg/store/fsutil"
)

// Policy is the access mode for a channel pattern.
type Policy string

const (
	PolicyOpen            Policy = "open"
	PolicyPairingRequired  Policy = "pairing_required"
)

// AccessStatus is CheckAccess's outcome.
type AccessStatus string

const (
	AccessAllowed AccessStatus = "allowed"
	AccessPending AccessStatus = "pending"
)

// RequestStatus is a PendingRequest's lifecycle state.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
	RequestExpired  RequestStatus = "expired"
)

// PendingRequest is one pairing-approval record.
type PendingRequest struct {
	ID          string        `yaml:"id" json:"id"`
	Channel     string        `yaml:"channel" json:"channel"`
	UserID      string        `yaml:"user_id" json:"user_id"`
	Platform    string        `yaml:"platform" json:"platform"`
	Code        string        `yaml:"code" json:"code"`
	Status      RequestStatus `yaml:"status" json:"status"`
	CreatedAt   time.Time     `yaml:"created_at" json:"created_at"`
	ExpiresAt   time.Time     `yaml:"expires_at" json:"expires_at"`
	ResolvedAt  *time.Time    `yaml:"resolved_at,omitempty" json:"resolved_at,omitempty"`
	RejectReason string       `yaml:"reject_reason,omitempty" json:"reject_reason,omitempty"`
}

// AccessResult is CheckAccess's return value.
type AccessResult struct {
	Status  AccessStatus
	Request *PendingRequest
}

type channelPoliciesFile struct {
	Policies map[string]Policy `yaml:"policies"`
}

type pendingRequestsFile struct {
	Requests map[string]*PendingRequest `yaml:"requests"`
}

// Manager is the on-disk DM-policy store rooted at <baseDir>/dm-policy.
type Manager struct {
	dir   string
	locks *fsutil.Locks
	bus   *bus.Bus
	ttl   time.Duration

	mu       sync.Mutex
	cron     gronx.Gronx
	cronExpr string
	stopCh   chan struct{}
}

// New creates a Manager. ttl defaults to 60 minutes; cleanupCron defaults
// to "*/5 * * * *" (every 5 minutes) when empty.
func New(baseDir string, ttl time.Duration, cleanupCron string, b *bus.Bus) *Manager {
	if ttl <= 0 {
		ttl = 60 * time.Minute
	}
	if cleanupCron == "" {
		cleanupCron = "*/5 * * * *"
	}
	if b == nil {
		b = bus.New()
	}
	return &Manager{
		dir:      filepath.Join(baseDir, "dm-policy"),
		locks:    fsutil.NewLocks(),
		bus:      b,
		ttl:      ttl,
		cron:     gronx.New(),
		cronExpr: cleanupCron,
	}
}

func (m *Manager) Bus() *bus.Bus { return m.bus }

func (m *Manager) policiesPath() string { return filepath.Join(m.dir, "channel-policies.yaml") }
func (m *Manager) pendingPath() string  { return filepath.Join(m.dir, "pending-requests.yaml") }

func (m *Manager) readPolicies() (channelPoliciesFile, error) {
	var f channelPoliciesFile
	err := fsutil.ReadYAML(m.policiesPath(), &f)
	if err != nil && !os.IsNotExist(err) {
		return f, kerrors.IO("readPolicies", err)
	}
	if f.Policies == nil {
		f.Policies = make(map[string]Policy)
	}
	return f, nil
}

// SetPolicy configures the access policy for a channel pattern (an exact
// channel id, or a wildcard like "discord:dm:*").
func (m *Manager) SetPolicy(pattern string, policy Policy) error {
	_, err := fsutil.WithLock(m.locks, m.policiesPath(), func() (struct{}, error) {
		f, err := m.readPolicies()
		if err != nil {
			return struct{}{}, err
		}
		f.Policies[pattern] = policy
		return struct{}{}, fsutil.AtomicWriteYAML(m.policiesPath(), &f)
	})
	return err
}

// resolvePolicy returns the policy for channel, preferring an exact match
// over a wildcard "platform:dm:*" pattern, defaulting to open when
// nothing matches.
func (m *Manager) resolvePolicy(channel, platform string) (Policy, error) {
	f, err := m.readPolicies()
	if err != nil {
		return "", err
	}
	if p, ok := f.Policies[channel]; ok {
		return p, nil
	}
	wildcard := fmt.Sprintf("%s:dm:*", platform)
	if p, ok := f.Policies[wildcard]; ok {
		return p, nil
	}
	for pattern, p := range f.Policies {
		if strings.HasSuffix(pattern, ":*") && strings.HasPrefix(channel, strings.TrimSuffix(pattern, "*")) {
			return p, nil
		}
	}
	return PolicyOpen, nil
}

func (m *Manager) readPending() (pendingRequestsFile, error) {
	var f pendingRequestsFile
	err := fsutil.ReadYAML(m.pendingPath(), &f)
	if err != nil && !os.IsNotExist(err) {
		return f, kerrors.IO("readPending", err)
	}
	if f.Requests == nil {
		f.Requests = make(map[string]*PendingRequest)
	}
	return f, nil
}

func (m *Manager) writePending(f pendingRequestsFile) error {
	return fsutil.AtomicWriteYAML(m.pendingPath(), &f)
}

// CheckAccess is the gatekeeper entry point. Repeated calls for the same
// (channel, userId) under pairing_required return the same pending record
// until it resolves.
func (m *Manager) CheckAccess(channel, userID, platform string) (AccessResult, error) {
	policy, err := m.resolvePolicy(channel, platform)
	if err != nil {
		return AccessResult{}, err
	}
	if policy == PolicyOpen {
		return AccessResult{Status: AccessAllowed}, nil
	}

	return fsutil.WithLock(m.locks, m.pendingPath(), func() (AccessResult, error) {
		f, err := m.readPending()
		if err != nil {
			return AccessResult{}, err
		}
		for _, req := range f.Requests {
			if req.Channel == channel && req.UserID == userID && req.Status == RequestPending {
				return AccessResult{Status: AccessPending, Request: req}, nil
			}
			if req.Channel == channel && req.UserID == userID && req.Status == RequestApproved {
				return AccessResult{Status: AccessAllowed}, nil
			}
		}

		code, err := pairingCode()
		if err != nil {
			return AccessResult{}, kerrors.IO("checkAccess", err)
		}
		now := time.Now().UTC()
		req := &PendingRequest{
			ID:        uuid.NewString(),
			Channel:   channel,
			UserID:    userID,
			Platform:  platform,
			Code:      code,
			Status:    RequestPending,
			CreatedAt: now,
			ExpiresAt: now.Add(m.ttl),
		}
		f.Requests[req.ID] = req
		if err := m.writePending(f); err != nil {
			return AccessResult{}, err
		}
		m.bus.Emit("request:created", req)
		return AccessResult{Status: AccessPending, Request: req}, nil
	})
}

// ApproveRequest approves a pending request. Re-approving a resolved
// request fails loudly rather than silently re-stamping it.
func (m *Manager) ApproveRequest(id string) error {
	_, err := fsutil.WithLock(m.locks, m.pendingPath(), func() (struct{}, error) {
		f, err := m.readPending()
		if err != nil {
			return struct{}{}, err
		}
		req, ok := f.Requests[id]
		if !ok {
			return struct{}{}, kerrors.NotFound("approveRequest")
		}
		if req.Status != RequestPending {
			return struct{}{}, kerrors.Validation("approveRequest", "status", string(RequestPending), string(req.Status))
		}
		now := time.Now().UTC()
		req.Status = RequestApproved
		req.ResolvedAt = &now
		if err := m.writePending(f); err != nil {
			return struct{}{}, err
		}
		m.bus.Emit("request:approved", req)
		return struct{}{}, nil
	})
	return err
}

// RejectRequest rejects a pending request. Re-rejecting (or rejecting an
// already-approved) request fails loudly, same terminal-state invariant.
func (m *Manager) RejectRequest(id, reason string) error {
	_, err := fsutil.WithLock(m.locks, m.pendingPath(), func() (struct{}, error) {
		f, err := m.readPending()
		if err != nil {
			return struct{}{}, err
		}
		req, ok := f.Requests[id]
		if !ok {
			return struct{}{}, kerrors.NotFound("rejectRequest")
		}
		if req.Status != RequestPending {
			return struct{}{}, kerrors.Validation("rejectRequest", "status", string(RequestPending), string(req.Status))
		}
		now := time.Now().UTC()
		req.Status = RequestRejected
		req.ResolvedAt = &now
		req.RejectReason = reason
		if err := m.writePending(f); err != nil {
			return struct{}{}, err
		}
		m.bus.Emit("request:rejected", req)
		return struct{}{}, nil
	})
	return err
}

// CleanupExpired sweeps pending records past their TTL to status=expired.
func (m *Manager) CleanupExpired() (int, error) {
	return fsutil.WithLock(m.locks, m.pendingPath(), func() (int, error) {
		f, err := m.readPending()
		if err != nil {
			return 0, err
		}
		now := time.Now().UTC()
		n := 0
		for _, req := range f.Requests {
			if req.Status == RequestPending && now.After(req.ExpiresAt) {
				req.Status = RequestExpired
				req.ResolvedAt = &now
				n++
				m.bus.Emit("request:expired", req)
			}
		}
		if n > 0 {
			if err := m.writePending(f); err != nil {
				return 0, err
			}
		}
		return n, nil
	})
}

// StartCleanupLoop runs CleanupExpired on the configured cron cadence until
// Stop is called.
func (m *Manager) StartCleanupLoop() {
	m.mu.Lock()
	if m.stopCh != nil {
		m.mu.Unlock()
		return
	}
	m.stopCh = make(chan struct{})
	stop := m.stopCh
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case t := <-ticker.C:
				due, err := m.cron.IsDue(m.cronExpr, t)
				if err != nil {
					logger.WarnCF("dmpolicy", "invalid cleanup cron expression", map[string]interface{}{"expr": m.cronExpr, "error": err.Error()})
					continue
				}
				if !due {
					continue
				}
				if n, err := m.CleanupExpired(); err != nil {
					logger.ErrorCF("dmpolicy", "cleanup sweep failed", err, nil)
				} else if n > 0 {
					logger.InfoCF("dmpolicy", "expired pairing requests swept", map[string]interface{}{"count": n})
				}
			}
		}
	}()
}

// Stop halts the cleanup loop started by StartCleanupLoop.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
}

const pairingAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// pairingCode generates a 6-character uppercase-alnum code, uniformly
// random.
func pairingCode() (string, error) {
	// Bytes at or above the largest multiple of the alphabet size are
	// discarded so every character is equally likely.
	limit := 256 - 256%len(pairingAlphabet)
	b := make([]byte, 1)
	out := make([]byte, 0, 6)
	for len(out) < 6 {
		if _, err := rand.Read(b); err != nil {
			return "", err
		}
		if int(b[0]) >= limit {
			continue
		}
		out = append(out, pairingAlphabet[int(b[0])%len(pairingAlphabet)])
	}
	return string(out), nil
}
