// Package usage implements the context-usage tracker: a periodic,
// debounced probe of the agent subprocess's token usage, reported to the
// lifecycle manager as a fraction in [0,1]. Probe failures never block
// message handling — the lifecycle manager simply keeps the last known
// fraction.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/kynetic-ai/kbot/pkg/logger"
)

// Probe estimates usedTokens/maxTokens for sessionKey. Implementations
// typically read the agent's stderr or issue a dedicated sampling RPC.
type Probe func(ctx context.Context, sessionKey string) (fraction float64, err error)

// Sink receives a fresh usage sample; pkg/lifecycle.Manager.UpdateContextUsage
// satisfies this directly.
type Sink func(sessionKey string, fraction float64)

// Config holds the tracker's cadence knobs.
type Config struct {
	// Debounce is the minimum time between samples for one session key,
	// and also StartSweep's tick interval.
	Debounce time.Duration
	// ProbeTimeout bounds a single probe call.
	ProbeTimeout time.Duration
	// Cron is an optional cron expression, including gronx's extended
	// 6-field (seconds-resolution) syntax, gating when a due session may
	// be sampled. Standard 5-field cron lacks seconds resolution, so
	// sub-minute cadences require the 6-field form; see DESIGN.md for
	// this Open Question's resolution.
	Cron string
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	return c
}

// Tracker debounce-samples usage per session key on demand via Sample, or
// on a periodic sweep via StartSweep.
type Tracker struct {
	cfg   Config
	probe Probe
	sink  Sink
	cron  gronx.Gronx

	mu   sync.Mutex
	last map[string]time.Time

	stopCh chan struct{}
}

// New creates a Tracker.
func New(cfg Config, probe Probe, sink Sink) *Tracker {
	return &Tracker{
		cfg:   cfg.withDefaults(),
		probe: probe,
		sink:  sink,
		cron:  gronx.New(),
		last:  make(map[string]time.Time),
	}
}

// Sample runs the probe for sessionKey in the background (fire-and-forget,
// as handleMessage step 12 uses it) if the key's debounce window has
// elapsed; Cron plays no part here. A failed probe is logged and otherwise
// ignored.
func (t *Tracker) Sample(ctx context.Context, sessionKey string) {
	if !t.due(sessionKey) {
		return
	}
	go t.sampleNow(ctx, sessionKey)
}

func (t *Tracker) due(sessionKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.last[sessionKey]
	if ok && time.Since(last) < t.cfg.Debounce {
		return false
	}
	t.last[sessionKey] = time.Now()
	return true
}

func (t *Tracker) sampleNow(parent context.Context, sessionKey string) {
	ctx, cancel := context.WithTimeout(detach(parent), t.cfg.ProbeTimeout)
	defer cancel()

	fraction, err := t.probe(ctx, sessionKey)
	if err != nil {
		logger.WarnCF("usage-tracker", "context-usage probe failed", map[string]interface{}{
			"session_key": sessionKey,
			"error":       err.Error(),
		})
		return
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	t.sink(sessionKey, fraction)
}

// detach strips cancellation from parent so a probe started
// fire-and-forget outlives the inbound request context, while still
// carrying any request-scoped values.
func detach(parent context.Context) context.Context {
	return detachedContext{parent}
}

type detachedContext struct{ context.Context }

func (detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (detachedContext) Done() <-chan struct{}        { return nil }
func (detachedContext) Err() error                   { return nil }

// StartSweep ticks every Debounce (at least one second) and samples every
// key in keys() on each tick, until Stop is called. When Cron is set, a
// tick sweeps only if the expression is due at that time.
func (t *Tracker) StartSweep(keys func() []string) {
	t.mu.Lock()
	if t.stopCh != nil {
		t.mu.Unlock()
		return
	}
	t.stopCh = make(chan struct{})
	stop := t.stopCh
	t.mu.Unlock()

	interval := t.cfg.Debounce
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				if t.cfg.Cron != "" {
					due, err := t.cron.IsDue(t.cfg.Cron, now)
					if err != nil {
						logger.WarnCF("usage-tracker", "invalid sweep cron expression", map[string]interface{}{"expr": t.cfg.Cron, "error": err.Error()})
						continue
					}
					if !due {
						continue
					}
				}
				for _, key := range keys() {
					t.Sample(context.Background(), key)
				}
			}
		}
	}()
}

// Stop halts StartSweep's loop.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopCh != nil {
		close(t.stopCh)
		t.stopCh = nil
	}
}
