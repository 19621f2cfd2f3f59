// Package orchestrator implements the bot state machine and the
// handleMessage lifecycle: the single place every other component's
// output is woven into one response.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kynetic-ai/kbot/pkg/agent"
	"github.com/kynetic-ai/kbot/pkg/bus"
	"github.com/kynetic-ai/kbot/pkg/channel"
	"github.com/kynetic-ai/kbot/pkg/checkpoint"
	"github.com/kynetic-ai/kbot/pkg/coalescer"
	"github.com/kynetic-ai/kbot/pkg/dmpolicy"
	"github.com/kynetic-ai/kbot/pkg/kerrors"
	"github.com/kynetic-ai/kbot/pkg/lifecycle"
	"github.com/kynetic-ai/kbot/pkg/logger"
	"github.com/kynetic-ai/kbot/pkg/message"
	"github.com/kynetic-ai/kbot/pkg/router"
	"github.com/kynetic-ai/kbot/pkg/store/conversation"
	"github.com/kynetic-ai/kbot/pkg/store/session"
	"github.com/kynetic-ai/kbot/pkg/usage"
	"golang.org/x/sync/errgroup"
)

// BotState is the orchestrator's top-level state machine.
type BotState string

const (
	StateIdle     BotState = "idle"
	StateStarting BotState = "starting"
	StateRunning  BotState = "running"
	StateStopping BotState = "stopping"
	StateStopped  BotState = "stopped"
)

// SummaryProvider supplies a restoration prompt covering a conversation's
// older turns plus the recent-turn window, used on rotation/recovery.
type SummaryProvider interface {
	Summarize(ctx context.Context, conv *conversation.Conversation, recent []conversation.Turn) (string, error)
}

// Config holds the orchestrator's policy knobs.
type Config struct {
	ShutdownTimeout   time.Duration
	InflightPoll      time.Duration
	AgentReadyTimeout time.Duration
	EscalationChannel string
	IdentityPrompt    string
	HasIdentityPrompt bool
	SupportsStreaming func(platform string) bool
	Coalescer         coalescer.Config
}

func (c Config) withDefaults() Config {
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.InflightPoll <= 0 {
		c.InflightPoll = 100 * time.Millisecond
	}
	if c.AgentReadyTimeout <= 0 {
		c.AgentReadyTimeout = 30 * time.Second
	}
	if c.SupportsStreaming == nil {
		c.SupportsStreaming = func(string) bool { return false }
	}
	return c
}

// Status is the read-only operator snapshot, useful for a CLI or log line
// even though no web surface is exposed.
type Status struct {
	BotState          BotState
	InflightCount     int64
	LastActiveChannel string
	AgentState        agent.State
	LastEscalation    *EscalationEvent
}

// EscalationEvent is re-emitted from the agent lifecycle's escalate event.
type EscalationEvent struct {
	Reason        string
	Metadata      map[string]any
	TargetChannel string
	Timestamp     time.Time
}

// Orchestrator wires every other component together behind handleMessage.
type Orchestrator struct {
	cfg Config
	bus *bus.Bus

	router       *router.Router
	convStore    *conversation.Store
	sessStore    *session.Store
	lifecycle    *lifecycle.Manager
	agentLC      *agent.Lifecycle
	dmPolicy     *dmpolicy.Manager
	usageTracker *usage.Tracker
	summaries    SummaryProvider
	checkpoint   *checkpoint.Loader
	sender       channel.Adapter // used for typing indicator + coalescer sends

	mu                sync.Mutex
	state             BotState
	lastActiveChannel string
	lastEscalation    *EscalationEvent
	checkpointLoaded  *checkpoint.Checkpoint
	checkpointSpent   bool

	inflightCount int64
}

// Deps bundles the components handleMessage wires together.
type Deps struct {
	Router       *router.Router
	ConvStore    *conversation.Store
	SessStore    *session.Store
	Lifecycle    *lifecycle.Manager
	AgentLC      *agent.Lifecycle
	DMPolicy     *dmpolicy.Manager
	UsageTracker *usage.Tracker
	Summaries    SummaryProvider // optional
	Checkpoint   *checkpoint.Loader
	Sender       channel.Adapter
}

// New creates an Orchestrator in state idle.
func New(cfg Config, d Deps, b *bus.Bus) *Orchestrator {
	if b == nil {
		b = bus.New()
	}
	o := &Orchestrator{
		cfg:          cfg.withDefaults(),
		bus:          b,
		router:       d.Router,
		convStore:    d.ConvStore,
		sessStore:    d.SessStore,
		lifecycle:    d.Lifecycle,
		agentLC:      d.AgentLC,
		dmPolicy:     d.DMPolicy,
		usageTracker: d.UsageTracker,
		summaries:    d.Summaries,
		checkpoint:   d.Checkpoint,
		sender:       d.Sender,
		state:        StateIdle,
	}
	if o.agentLC != nil {
		o.agentLC.Bus().On("escalate", o.onEscalate)
	}
	return o
}

// Events exposes the orchestrator's bus for an external collaborator to
// wire a logging or metrics sink.
func (o *Orchestrator) Events() *bus.Bus { return o.bus }

func (o *Orchestrator) setState(s BotState) {
	o.mu.Lock()
	old := o.state
	o.state = s
	o.mu.Unlock()
	if old != s {
		o.bus.Emit("state:change", map[string]BotState{"from": old, "to": s})
	}
}

func (o *Orchestrator) getState() BotState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start transitions idle -> starting -> running. Fails if not currently
// idle.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.getState() != StateIdle {
		return kerrors.Validation("start", "state", string(StateIdle), string(o.getState()))
	}
	o.setState(StateStarting)

	if o.checkpoint != nil {
		cp, ok, err := o.checkpoint.Load()
		if err != nil {
			logger.WarnCF("orchestrator", "checkpoint load failed", map[string]interface{}{"error": err.Error()})
		} else if ok {
			o.mu.Lock()
			o.checkpointLoaded = &cp
			o.checkpointSpent = false
			o.mu.Unlock()
		}
	}

	if o.agentLC != nil {
		if err := o.agentLC.Spawn(ctx); err != nil {
			o.setState(StateIdle)
			return err
		}
	}
	o.setState(StateRunning)
	return nil
}

// Stop is idempotent: calling it from any state other than running/starting
// is a no-op.
func (o *Orchestrator) Stop(ctx context.Context) error {
	state := o.getState()
	if state != StateRunning && state != StateStarting {
		return nil
	}
	o.setState(StateStopping)

	var errs []error

	deadline := time.Now().Add(o.cfg.ShutdownTimeout)
	for atomic.LoadInt64(&o.inflightCount) > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if n := atomic.LoadInt64(&o.inflightCount); n > 0 {
		logger.WarnCF("orchestrator", "shutdown proceeding with residual inflight messages", map[string]interface{}{"count": n})
	}

	// The session-completion sweep and the agent subprocess teardown touch
	// disjoint state, so they run concurrently and are joined with
	// errgroup rather than sequenced.
	var g errgroup.Group
	g.Go(func() error {
		if o.lifecycle == nil {
			return nil
		}
		var err error
		for _, key := range o.lifecycle.Keys() {
			if snap, ok := o.lifecycle.Snapshot(key); ok && o.sessStore != nil {
				if _, e := o.sessStore.UpdateSessionStatus(snap.ACPSessionID, session.StatusCompleted); e != nil {
					err = e
					o.bus.Emit("error", map[string]any{"err": e, "op": "shutdown:completeSession"})
				}
				if _, e := o.sessStore.AppendEvent(session.AppendEventInput{
					Type:      session.EventSessionEnd,
					SessionID: snap.ACPSessionID,
				}); e != nil {
					o.bus.Emit("error", map[string]any{"err": e, "op": "shutdown:sessionEndEvent"})
				}
			}
			o.lifecycle.EndSession(key)
		}
		return err
	})
	g.Go(func() error {
		if o.agentLC == nil {
			return nil
		}
		if err := o.agentLC.Stop(); err != nil {
			o.bus.Emit("error", map[string]any{"err": err, "op": "shutdown:agentStop"})
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	if o.usageTracker != nil {
		o.usageTracker.Stop()
	}

	o.setState(StateStopped)
	if len(errs) > 0 {
		return fmt.Errorf("orchestrator: shutdown completed with %d error(s): %v", len(errs), errs)
	}
	return nil
}

func (o *Orchestrator) onEscalate(ev bus.Event) {
	payload, _ := ev.Payload.(map[string]any)
	reason, _ := payload["reason"].(string)
	meta, _ := payload["context"].(map[string]any)

	target := o.cfg.EscalationChannel
	if target == "" {
		o.mu.Lock()
		target = o.lastActiveChannel
		o.mu.Unlock()
	}
	escalation := EscalationEvent{
		Reason:        reason,
		Metadata:      meta,
		TargetChannel: target,
		Timestamp:     time.Now().UTC(),
	}
	o.mu.Lock()
	o.lastEscalation = &escalation
	o.mu.Unlock()

	logger.ErrorCF("orchestrator", "agent escalation", fmt.Errorf("%s", reason), map[string]interface{}{"target": target})
	o.bus.Emit("escalate", escalation)
}

// StatusSnapshot returns the read-only operator status.
func (o *Orchestrator) StatusSnapshot() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		BotState:          o.state,
		InflightCount:     atomic.LoadInt64(&o.inflightCount),
		LastActiveChannel: o.lastActiveChannel,
		LastEscalation:    o.lastEscalation,
	}
	if o.agentLC != nil {
		st.AgentState = o.agentLC.GetState()
	}
	return st
}

// HandleMessage runs one inbound message through the full lifecycle:
// routing, dm-policy, session lookup, agent readiness, prompting,
// streaming the reply, and persisting both turns. It is a no-op (with a
// logged warning) outside state running.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg message.Normalized, defaultAgent string) {
	if o.getState() != StateRunning {
		logger.WarnCF("orchestrator", "dropping message, bot not running", map[string]interface{}{"state": o.getState()})
		return
	}

	// Step 0: dm-policy gate. A channel configured pairing_required drops
	// the message here, ahead of any routing or persistence, until the
	// sender's pairing request resolves.
	access, err := o.HandleAccessCheck(msg.Channel, msg.Sender.ID, msg.Sender.Platform)
	if err != nil {
		o.bus.Emit("message:error", map[string]any{"msg": msg, "err": err})
		return
	}
	if access.Status != dmpolicy.AccessAllowed {
		o.bus.Emit("message:pending", map[string]any{"msg": msg, "request": access.Request})
		return
	}

	// Step 1.
	o.mu.Lock()
	o.lastActiveChannel = msg.Channel
	o.mu.Unlock()
	atomic.AddInt64(&o.inflightCount, 1)
	start := time.Now()
	defer atomic.AddInt64(&o.inflightCount, -1)
	if o.sender != nil {
		if err := o.sender.SendTyping(ctx, msg.Channel); err != nil {
			logger.WarnCF("orchestrator", "typing indicator failed", map[string]interface{}{"error": err.Error()})
		}
	}

	sess, err := o.router.ResolveSession(msg, defaultAgent)
	if err != nil {
		// Step 2.
		o.bus.Emit("error", map[string]any{"err": err, "op": "resolveSession"})
		o.bus.Emit("message:error", map[string]any{"msg": msg, "err": err})
		return
	}

	// Step 3: the conversation record exists before the agent session does;
	// the user turn itself is written just below once step 5 resolves a
	// session id for it to reference (turns always carry a session_id).
	conv, err := o.convStore.GetOrCreateConversation(sess.Key)
	if err != nil {
		o.bus.Emit("message:error", map[string]any{"msg": msg, "err": err})
		return
	}

	// Step 4: wait for agent readiness.
	if err := o.waitForAgentReady(ctx); err != nil {
		o.bus.Emit("message:error", map[string]any{"msg": msg, "err": err})
		return
	}

	// Step 5.
	client := o.agentLC.GetClient()
	result, err := o.lifecycle.GetOrCreateSession(ctx, sess.Key, defaultAgent, client, o.convStore, o.sessStore)
	if err != nil {
		o.bus.Emit("message:error", map[string]any{"msg": msg, "err": err})
		return
	}
	if result.IsNew && result.State.ConversationID == "" {
		o.lifecycle.SetConversationID(sess.Key, conv.ID)
		if _, err := o.sessStore.CreateSession(result.State.ACPSessionID, defaultAgent, conv.ID, sess.Key); err != nil {
			logger.WarnCF("orchestrator", "failed to persist new agent session record", map[string]interface{}{"error": err.Error()})
		}
	}
	if result.IsNew {
		if _, err := o.sessStore.AppendEvent(session.AppendEventInput{
			Type:      session.EventSessionStart,
			SessionID: result.State.ACPSessionID,
		}); err != nil {
			logger.WarnCF("orchestrator", "failed to append session.start event", map[string]interface{}{"error": err.Error()})
		}
	}

	// Step 3 continued: now that the agent session id is known, record the
	// prompt.sent event and append the user turn, idempotent on msg.ID, with
	// its EventRange pointing at that event.
	userEventRange := conversation.EventRange{}
	promptSentEvent, err := o.sessStore.AppendEvent(session.AppendEventInput{
		Type:      session.EventPromptSent,
		SessionID: result.State.ACPSessionID,
		Data:      eventData(msg.Text),
	})
	if err != nil {
		logger.WarnCF("orchestrator", "failed to append prompt.sent event", map[string]interface{}{"error": err.Error()})
	} else if promptSentEvent != nil {
		userEventRange = conversation.EventRange{StartSeq: promptSentEvent.Seq, EndSeq: promptSentEvent.Seq}
	}
	if _, err := o.convStore.AppendTurn(conv.ID, conversation.AppendTurnInput{
		Role:       conversation.RoleUser,
		SessionID:  result.State.ACPSessionID,
		MessageID:  msg.ID,
		EventRange: userEventRange,
	}); err != nil {
		o.bus.Emit("message:error", map[string]any{"msg": msg, "err": err})
		return
	}

	contextRestored := false

	// Step 6: context restoration.
	if (result.WasRotated || result.WasRecovered) && o.summaries != nil {
		turns, _ := o.convStore.ReadTurns(conv.ID)
		if len(turns) > 0 {
			recent := turns
			if len(recent) > 20 {
				recent = recent[len(recent)-20:]
			}
			if restoration, err := o.summaries.Summarize(ctx, conv, recent); err == nil && restoration != "" {
				_, _ = client.Prompt(ctx, agent.PromptRequest{
					SessionID:    result.State.ACPSessionID,
					Prompt:       []agent.ContentBlock{{Type: "text", Text: restoration}},
					PromptSource: agent.PromptSystem,
				})
				contextRestored = true
			}
		}
	}

	// Step 8: wake-context prompt, one-shot. It runs ahead of step 7 so the
	// prompt sequence that reaches the agent is wake -> identity -> user.
	o.mu.Lock()
	cp := o.checkpointLoaded
	spent := o.checkpointSpent
	if cp != nil && !spent {
		o.checkpointSpent = true
	}
	o.mu.Unlock()
	if cp != nil && !spent {
		_, _ = client.Prompt(ctx, agent.PromptRequest{
			SessionID:    result.State.ACPSessionID,
			Prompt:       []agent.ContentBlock{{Type: "text", Text: cp.WakePrompt}},
			PromptSource: agent.PromptSystem,
		})
		if o.checkpoint != nil {
			if err := o.checkpoint.Consume(); err != nil {
				logger.WarnCF("orchestrator", "failed to consume checkpoint", map[string]interface{}{"error": err.Error()})
			}
		}
	}

	// Step 7: identity prompt.
	if result.IsNew && !contextRestored && o.cfg.HasIdentityPrompt {
		_, _ = client.Prompt(ctx, agent.PromptRequest{
			SessionID:    result.State.ACPSessionID,
			Prompt:       []agent.ContentBlock{{Type: "text", Text: o.cfg.IdentityPrompt}},
			PromptSource: agent.PromptSystem,
		})
	}

	// Step 9: coalescer + update subscription. On a platform that supports
	// in-place edits, consecutive chunks are folded into one live message by
	// editing it as it grows, splitting to a new message only once the next
	// chunk would push it past the platform's length cap — the edit-based
	// variant of delivery. Platforms without that support simply get a
	// fresh message per flushed chunk, as before.
	var fullResponse string
	streaming := o.cfg.SupportsStreaming(msg.Sender.Platform)
	var liveMsgID, liveText string
	co := coalescer.New(o.cfg.Coalescer, func(delta string) {
		if o.sender == nil {
			return
		}
		out := channel.Outbound{ChannelID: msg.Channel, Text: delta}
		if streaming && liveMsgID != "" && len(liveText)+len(delta) <= o.cfg.Coalescer.MaxLen {
			out.Text = liveText + delta
			out.EditOf = liveMsgID
		}
		res, err := o.sender.Send(ctx, out)
		if err != nil {
			logger.WarnCF("orchestrator", "failed to deliver chunk", map[string]interface{}{"error": err.Error()})
			return
		}
		if streaming {
			liveMsgID = res.MessageID
			liveText = out.Text
		}
	}, func(full string) {
		fullResponse = full
	})

	var assistantEventRange conversation.EventRange
	haveAssistantEvents := false
	recordAssistantEvent := func(ev *session.Event) {
		if ev == nil {
			return
		}
		if !haveAssistantEvents {
			assistantEventRange = conversation.EventRange{StartSeq: ev.Seq, EndSeq: ev.Seq}
			haveAssistantEvents = true
			return
		}
		if ev.Seq < assistantEventRange.StartSeq {
			assistantEventRange.StartSeq = ev.Seq
		}
		if ev.Seq > assistantEventRange.EndSeq {
			assistantEventRange.EndSeq = ev.Seq
		}
	}

	updates := client.Updates()
	stopListening := make(chan struct{})
	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		for {
			select {
			case u, ok := <-updates:
				if !ok {
					return
				}
				switch u.SessionUpdate {
				case "agent_message_chunk":
					ev, err := o.sessStore.AppendEvent(session.AppendEventInput{
						Type:      session.EventMessageChunk,
						SessionID: result.State.ACPSessionID,
						Data:      eventData(u.Content),
					})
					if err != nil {
						logger.WarnCF("orchestrator", "failed to append message.chunk event", map[string]interface{}{"error": err.Error()})
					}
					recordAssistantEvent(ev)
					co.Push(u.Content)
				case "tool_call", "tool_call_update":
					evType := session.EventToolCall
					if u.SessionUpdate == "tool_call_update" {
						evType = session.EventToolResult
					}
					ev, err := o.sessStore.AppendEvent(session.AppendEventInput{
						Type:      evType,
						SessionID: result.State.ACPSessionID,
						Data:      eventData(u),
					})
					if err != nil {
						logger.WarnCF("orchestrator", "failed to append tool event", map[string]interface{}{"error": err.Error()})
					}
					recordAssistantEvent(ev)
					o.bus.Emit("tool:update", u)
				}
			case <-stopListening:
				return
			}
		}
	}()

	// Step 10.
	_, promptErr := client.Prompt(ctx, agent.PromptRequest{
		SessionID:    result.State.ACPSessionID,
		Prompt:       []agent.ContentBlock{{Type: "text", Text: msg.Text}},
		PromptSource: agent.PromptUser,
	})
	close(stopListening)
	<-listenerDone
	if promptErr != nil {
		co.Abort()
		o.bus.Emit("message:error", map[string]any{"msg": msg, "err": promptErr})
		return
	}
	co.Complete()

	// Step 11.
	if fullResponse != "" {
		if _, err := o.convStore.AppendTurn(conv.ID, conversation.AppendTurnInput{
			Role:       conversation.RoleAssistant,
			SessionID:  result.State.ACPSessionID,
			EventRange: assistantEventRange,
		}); err != nil {
			logger.WarnCF("orchestrator", "failed to append assistant turn", map[string]interface{}{"error": err.Error()})
		}
	}

	// Step 12: fire-and-forget usage probe.
	if o.usageTracker != nil && o.lifecycle != nil {
		o.usageTracker.Sample(ctx, sess.Key)
	}

	// Step 13.
	o.bus.Emit("message:processed", map[string]any{"msg": msg, "durationMs": time.Since(start).Milliseconds()})
}

// waitForAgentReady polls agent lifecycle state, spawning it if idle or
// failed, until it reports healthy or the ready timeout elapses.
func (o *Orchestrator) waitForAgentReady(ctx context.Context) error {
	deadline := time.Now().Add(o.cfg.AgentReadyTimeout)
	for {
		switch o.agentLC.GetState() {
		case agent.StateHealthy:
			return nil
		case agent.StateIdle, agent.StateFailed:
			if err := o.agentLC.Spawn(ctx); err != nil {
				return err
			}
		case agent.StateStopping:
			return kerrors.New(kerrors.KindTimeout, "waitForAgentReady", fmt.Errorf("agent is stopping"))
		}
		if time.Now().After(deadline) {
			return kerrors.New(kerrors.KindTimeout, "waitForAgentReady", fmt.Errorf("timed out waiting for agent readiness"))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// HandleAccessCheck wraps dmPolicy.CheckAccess ahead of HandleMessage, for
// channels configured pairing_required.
func (o *Orchestrator) HandleAccessCheck(channelID, userID, platform string) (dmpolicy.AccessResult, error) {
	if o.dmPolicy == nil {
		return dmpolicy.AccessResult{Status: dmpolicy.AccessAllowed}, nil
	}
	return o.dmPolicy.CheckAccess(channelID, userID, platform)
}

// eventData marshals v as a session event's JSON payload, or nil if v
// cannot be marshaled.
func eventData(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
