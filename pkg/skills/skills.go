// Package skills implements the in-process capability registry: named
// providers, capability indexing, and a per-skill
// uninitialized -> initializing -> ready -> executing -> ready | disposed
// state machine.
package skills

import (
	"context"
	"fmt"
	"sync"

	"github.com/kynetic-ai/kbot/pkg/bus"
)

// State is a skill's lifecycle position.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateExecuting     State = "executing"
	StateDisposed       State = "disposed"
)

// Skill is the capability provider contract.
type Skill interface {
	ID() string
	Name() string
	Description() string
	Version() string
	Capabilities() []string
	Init(ctx context.Context) error
	Execute(ctx context.Context, params map[string]any) (any, error)
	Dispose(ctx context.Context) error
}

// Result is executeSkill/executeByCapability's return wrapper: never an
// error return, always {ok, value} | {ok:false, error}.
type Result struct {
	OK    bool
	Value any
	Err   error
}

// ValidationError reports the first missing/mismatched required field
// found during pre-registration validation.
type ValidationError struct {
	Field        string
	ExpectedType string
	ActualType   string
}

func (e *ValidationError) Error() string {
	if e.ExpectedType != "" {
		return fmt.Sprintf("skills: field %q: expected %s, got %s", e.Field, e.ExpectedType, e.ActualType)
	}
	return fmt.Sprintf("skills: missing required field %q", e.Field)
}

type entry struct {
	skill Skill
	state State
}

// Registry is the id-unique, capability-indexed skill table.
type Registry struct {
	bus *bus.Bus

	mu           sync.Mutex
	byID         map[string]*entry
	byCapability map[string][]string // capability -> []id, insertion order
}

// New creates an empty Registry.
func New(b *bus.Bus) *Registry {
	if b == nil {
		b = bus.New()
	}
	return &Registry{bus: b, byID: make(map[string]*entry), byCapability: make(map[string][]string)}
}

func (r *Registry) Bus() *bus.Bus { return r.bus }

// validate identifies the first missing required field or type mismatch
// ahead of registration.
func validate(s Skill) error {
	if s == nil {
		return &ValidationError{Field: "skill", ExpectedType: "Skill", ActualType: "nil"}
	}
	if s.ID() == "" {
		return &ValidationError{Field: "id"}
	}
	if s.Name() == "" {
		return &ValidationError{Field: "name"}
	}
	if s.Version() == "" {
		return &ValidationError{Field: "version"}
	}
	if len(s.Capabilities()) == 0 {
		return &ValidationError{Field: "capabilities"}
	}
	return nil
}

// Register validates shape and rejects id duplicates.
func (r *Registry) Register(s Skill) error {
	if err := validate(s); err != nil {
		r.bus.Emit("error", map[string]any{"err": err, "op": "register"})
		return err
	}

	r.mu.Lock()
	if _, exists := r.byID[s.ID()]; exists {
		r.mu.Unlock()
		err := fmt.Errorf("skills: duplicate id %q", s.ID())
		r.bus.Emit("error", map[string]any{"err": err, "op": "register", "skillId": s.ID()})
		return err
	}
	r.byID[s.ID()] = &entry{skill: s, state: StateUninitialized}
	for _, c := range s.Capabilities() {
		r.byCapability[c] = append(r.byCapability[c], s.ID())
	}
	r.mu.Unlock()

	r.bus.Emit("skill:registered", s.ID())
	return nil
}

// Unregister removes id from the registry. If dispose is true, Dispose is
// called after removal; a dispose failure is logged via the
// error event but the skill is removed regardless. A skill that fails
// auto-initialize stays registered, but an explicit unregister always
// removes it.
func (r *Registry) Unregister(ctx context.Context, id string, dispose bool) error {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("skills: unknown id %q", id)
	}
	delete(r.byID, id)
	for cap, ids := range r.byCapability {
		r.byCapability[cap] = removeString(ids, id)
	}
	r.mu.Unlock()

	if dispose {
		if err := e.skill.Dispose(ctx); err != nil {
			r.bus.Emit("error", map[string]any{"err": err, "op": "unregister", "skillId": id})
		}
	}
	r.bus.Emit("skill:unregistered", id)
	return nil
}

func removeString(ss []string, s string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// GetSkill returns the registered skill for id, if any.
func (r *Registry) GetSkill(id string) (Skill, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return e.skill, true
}

// GetSkillByCapability returns the first-registered skill offering cap.
func (r *Registry) GetSkillByCapability(cap string) (Skill, bool) {
	skills := r.GetSkillsByCapability(cap)
	if len(skills) == 0 {
		return nil, false
	}
	return skills[0], true
}

// GetSkillsByCapability returns every skill offering cap, in registration
// order.
func (r *Registry) GetSkillsByCapability(cap string) []Skill {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byCapability[cap]
	out := make([]Skill, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.byID[id]; ok {
			out = append(out, e.skill)
		}
	}
	return out
}

func (r *Registry) setState(id string, s State) {
	r.mu.Lock()
	e, ok := r.byID[id]
	if ok {
		e.state = s
	}
	r.mu.Unlock()
}

func (r *Registry) getState(id string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return "", false
	}
	return e.state, true
}

// ensureReady auto-initializes a skill still in state uninitialized. A
// skill that fails auto-initialize stays registered and the error is
// emitted and returned, rather than the skill being silently dropped from
// the registry.
func (r *Registry) ensureReady(ctx context.Context, id string) error {
	state, ok := r.getState(id)
	if !ok {
		return fmt.Errorf("skills: unknown id %q", id)
	}
	if state == StateReady || state == StateExecuting {
		return nil
	}
	skill, _ := r.GetSkill(id)
	r.setState(id, StateInitializing)
	if err := skill.Init(ctx); err != nil {
		r.bus.Emit("error", map[string]any{"err": err, "op": "initialize", "skillId": id})
		r.setState(id, StateUninitialized)
		return err
	}
	r.setState(id, StateReady)
	return nil
}

// ExecuteSkill auto-initializes id if needed and executes it, never
// returning a Go error — failures surface in Result.Err.
func (r *Registry) ExecuteSkill(ctx context.Context, id string, params map[string]any) Result {
	if err := r.ensureReady(ctx, id); err != nil {
		return Result{OK: false, Err: err}
	}
	skill, ok := r.GetSkill(id)
	if !ok {
		return Result{OK: false, Err: fmt.Errorf("skills: unknown id %q", id)}
	}

	r.setState(id, StateExecuting)
	r.bus.Emit("skill:execute:start", map[string]any{"skillId": id})
	value, err := skill.Execute(ctx, params)
	r.setState(id, StateReady)

	if err != nil {
		r.bus.Emit("skill:execute:error", map[string]any{"skillId": id, "err": err})
		return Result{OK: false, Err: err}
	}
	r.bus.Emit("skill:execute:complete", map[string]any{"skillId": id})
	return Result{OK: true, Value: value}
}

// ExecuteByCapability executes the first skill offering cap.
func (r *Registry) ExecuteByCapability(ctx context.Context, cap string, params map[string]any) Result {
	skill, ok := r.GetSkillByCapability(cap)
	if !ok {
		return Result{OK: false, Err: fmt.Errorf("skills: no skill for capability %q", cap)}
	}
	return r.ExecuteSkill(ctx, skill.ID(), params)
}

// InitializeAll initializes every registered skill still uninitialized.
// Failures are collected but do not stop the sweep.
func (r *Registry) InitializeAll(ctx context.Context) []error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := r.ensureReady(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// DisposeAll disposes every registered skill, regardless of state.
func (r *Registry) DisposeAll(ctx context.Context) []error {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.byID))
	for _, e := range r.byID {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.skill.Dispose(ctx); err != nil {
			errs = append(errs, err)
			r.bus.Emit("error", map[string]any{"err": err, "op": "dispose", "skillId": e.skill.ID()})
			continue
		}
		r.setState(e.skill.ID(), StateDisposed)
	}
	return errs
}
