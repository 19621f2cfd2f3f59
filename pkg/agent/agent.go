// Package agent implements the agent lifecycle manager: spawning,
// monitoring, and restarting the agent subprocess, and exposing its
// prompt/update RPC client.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/kynetic-ai/kbot/pkg/bus"
	"github.com/kynetic-ai/kbot/pkg/logger"
)

// State is a position in the agent subprocess's lifecycle state machine:
// idle -> spawning -> healthy <-> unhealthy -> recovering -> stopping ->
// terminated | failed.
type State string

const (
	StateIdle       State = "idle"
	StateSpawning   State = "spawning"
	StateHealthy    State = "healthy"
	StateUnhealthy  State = "unhealthy"
	StateRecovering State = "recovering"
	StateStopping   State = "stopping"
	StateTerminated State = "terminated"
	StateFailed     State = "failed"
)

// ContentBlock is one part of a prompt sent over the agent RPC contract.
type ContentBlock struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

// PromptSource distinguishes a user-authored prompt from an
// orchestrator-synthesized one (identity/wake/restoration prompts).
type PromptSource string

const (
	PromptUser   PromptSource = "user"
	PromptSystem PromptSource = "system"
)

// PromptRequest is the argument to Client.Prompt.
type PromptRequest struct {
	SessionID    string
	Prompt       []ContentBlock
	PromptSource PromptSource
}

// PromptResult is the synchronous return value of Client.Prompt; the
// streamed content itself arrives over Updates().
type PromptResult struct {
	StopReason string
}

// Update is one event on the client's streaming update channel.
type Update struct {
	SessionUpdate string // "agent_message_chunk" | "tool_call" | "tool_call_update"
	Content       string
	ToolCallID    string
	Status        string
}

// Client is the abstract agent RPC handle. The concrete wire framing is a
// pluggable concern — see pkg/agent/stdiorpc for the reference
// line-delimited JSON-RPC-over-stdio implementation.
type Client interface {
	NewSession(ctx context.Context, params map[string]any) (string, error)
	Prompt(ctx context.Context, req PromptRequest) (PromptResult, error)
	Updates() <-chan Update
	Close() error
}

// ClientFactory spawns a new agent subprocess and returns a connected
// Client.
type ClientFactory func(ctx context.Context) (Client, error)

// Config holds the lifecycle manager's policy knobs.
type Config struct {
	HealthCheckInterval time.Duration
	UnhealthyAfter      int // N consecutive probe failures to mark unhealthy
	EscalateAfter       int // M failed recoveries before escalating
	StopTimeout         time.Duration
}

func (c Config) withDefaults() Config {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.UnhealthyAfter <= 0 {
		c.UnhealthyAfter = 3
	}
	if c.EscalateAfter <= 0 {
		c.EscalateAfter = 3
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}

// HealthProbe performs one liveness check against client, returning an
// error on failure. When none is supplied, Lifecycle probes with a
// NewSession round-trip; it's pulled out as a func type so tests can
// inject failures.
type HealthProbe func(ctx context.Context, c Client) error

// Lifecycle owns one agent subprocess across its state machine and emits
// health/escalation events onto the shared bus.
type Lifecycle struct {
	cfg     Config
	factory ClientFactory
	probe   HealthProbe
	bus     *bus.Bus

	mu              sync.RWMutex
	state           State
	client          Client
	sessionID       string
	consecutiveFail int
	failedRecoveries int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Lifecycle. probe may be nil, in which case a trivial
// NewSession round-trip is used as the health check.
func New(cfg Config, factory ClientFactory, probe HealthProbe, b *bus.Bus) *Lifecycle {
	if b == nil {
		b = bus.New()
	}
	return &Lifecycle{
		cfg:     cfg.withDefaults(),
		factory: factory,
		probe:   probe,
		bus:     b,
		state:   StateIdle,
		stopCh:  make(chan struct{}),
	}
}

func (l *Lifecycle) Bus() *bus.Bus { return l.bus }

func (l *Lifecycle) setState(s State) {
	l.mu.Lock()
	old := l.state
	l.state = s
	l.mu.Unlock()
	if old != s {
		l.bus.Emit("state:change", map[string]State{"from": old, "to": s})
	}
}

// GetState returns the current state.
func (l *Lifecycle) GetState() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// IsHealthy reports whether the current state is healthy.
func (l *Lifecycle) IsHealthy() bool {
	return l.GetState() == StateHealthy
}

// GetSessionID returns the agent-subprocess-level RPC session id the
// client opened (distinct from the lifecycle manager's own session-log
// id).
func (l *Lifecycle) GetSessionID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sessionID
}

// GetClient returns a snapshot of the current client handle, or nil if not
// spawned.
func (l *Lifecycle) GetClient() Client {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.client
}

// Spawn starts the agent subprocess and begins the periodic health probe.
func (l *Lifecycle) Spawn(ctx context.Context) error {
	l.setState(StateSpawning)
	client, err := l.factory(ctx)
	if err != nil {
		l.setState(StateFailed)
		l.bus.Emit("error", map[string]any{"err": err, "ctx": "spawn"})
		return err
	}
	l.mu.Lock()
	l.client = client
	l.consecutiveFail = 0
	l.mu.Unlock()
	l.setState(StateHealthy)
	l.bus.Emit("agent:spawned", nil)

	l.wg.Add(1)
	go l.healthLoop()
	return nil
}

func (l *Lifecycle) healthLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.runProbe()
		}
	}
}

func (l *Lifecycle) runProbe() {
	client := l.GetClient()
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.HealthCheckInterval)
	defer cancel()

	var err error
	if l.probe != nil {
		err = l.probe(ctx, client)
	} else {
		_, err = client.NewSession(ctx, map[string]any{"probe": true})
	}

	l.mu.Lock()
	if err != nil {
		l.consecutiveFail++
		fails := l.consecutiveFail
		l.mu.Unlock()
		if fails >= l.cfg.UnhealthyAfter {
			l.setState(StateUnhealthy)
			l.bus.Emit("health:status", map[string]any{"healthy": false, "recovered": false})
			l.recover()
		}
		return
	}
	recovered := l.consecutiveFail > 0
	l.consecutiveFail = 0
	l.mu.Unlock()
	if recovered {
		l.setState(StateHealthy)
		l.bus.Emit("health:status", map[string]any{"healthy": true, "recovered": true})
	}
}

// recover attempts to respawn the agent subprocess. After cfg.EscalateAfter
// failed attempts, it escalates and stays unhealthy instead of retrying
// forever.
func (l *Lifecycle) recover() {
	l.setState(StateRecovering)
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.StopTimeout)
	defer cancel()

	if client := l.GetClient(); client != nil {
		_ = client.Close()
	}
	client, err := l.factory(ctx)
	if err != nil {
		l.mu.Lock()
		l.failedRecoveries++
		n := l.failedRecoveries
		l.mu.Unlock()
		logger.WarnCF("agent-lifecycle", "recovery attempt failed", map[string]interface{}{"attempt": n, "error": err.Error()})
		if n >= l.cfg.EscalateAfter {
			l.setState(StateUnhealthy)
			l.bus.Emit("escalate", map[string]any{"reason": "recovery_exhausted", "context": map[string]any{"attempts": n, "error": err.Error()}})
			return
		}
		l.setState(StateUnhealthy)
		return
	}
	l.mu.Lock()
	l.client = client
	l.failedRecoveries = 0
	l.consecutiveFail = 0
	l.mu.Unlock()
	l.setState(StateHealthy)
	l.bus.Emit("health:status", map[string]any{"healthy": true, "recovered": true})
}

// Stop gracefully stops the health loop and the client, waiting up to
// cfg.StopTimeout before giving up on a clean shutdown.
func (l *Lifecycle) Stop() error {
	l.setState(StateStopping)
	l.stopOnce.Do(func() { close(l.stopCh) })

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(l.cfg.StopTimeout):
		logger.WarnCF("agent-lifecycle", "health loop did not stop within timeout", nil)
	}

	var err error
	if client := l.GetClient(); client != nil {
		err = client.Close()
	}
	l.setState(StateTerminated)
	return err
}
