// Package coalescer converts a growing token stream into a bounded series
// of platform-legal messages or edits. It uses an accumulate-then-flush
// shape — a mutex-guarded buffer plus one consumer — with a length- and
// fence-aware decision rule in place of a fixed time-based throttle, since
// Discord's hard 2000-char cap (unlike Telegram's unconditional edit)
// demands it.
package coalescer

import (
	"strings"
	"sync"
)

// Config holds the coalescer's two length knobs.
type Config struct {
	MaxLen    int // platform hard cap, e.g. 2000
	SoftLimit int // preemptive threshold, e.g. 1800
}

func (c Config) withDefaults() Config {
	if c.MaxLen <= 0 {
		c.MaxLen = 2000
	}
	if c.SoftLimit <= 0 || c.SoftLimit >= c.MaxLen {
		c.SoftLimit = c.MaxLen - 200
		if c.SoftLimit <= 0 {
			c.SoftLimit = c.MaxLen
		}
	}
	return c
}

const truncationMarker = "... [truncated]"
const fenceSearchWindow = 100

// Coalescer buffers the accumulating full text of a stream and emits
// chunk/complete callbacks per its length- and fence-aware decision rule.
type Coalescer struct {
	cfg Config

	onChunk    func(delta string)
	onComplete func(full string)

	mu           sync.Mutex
	full         string // the last fullText seen via push
	emitted      string // the prefix already emitted as chunks
	insideCode   bool
	codeLang     string
	aborted      bool
}

// New creates a Coalescer. onChunk is called with each emitted delta (the
// text of one platform-legal message); onComplete is called once, from
// Finalize or Complete, with the final residual chunk's text appended.
func New(cfg Config, onChunk func(delta string), onComplete func(full string)) *Coalescer {
	return &Coalescer{cfg: cfg.withDefaults(), onChunk: onChunk, onComplete: onComplete}
}

// Push is called with the monotonically growing accumulated text. Empty
// pushes are no-ops.
func (c *Coalescer) Push(fullText string) {
	if fullText == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return
	}
	c.full = fullText
	c.maybeEmitLocked()
}

func (c *Coalescer) maybeEmitLocked() {
	unemitted := c.full[len(c.emitted):]
	n := len(unemitted)

	switch {
	case n < c.cfg.SoftLimit:
		return // continue buffering

	case n < c.cfg.MaxLen:
		if idx := fenceOpenNearTail(unemitted, fenceSearchWindow); idx >= 0 {
			// Split immediately before the incomplete fence so it starts
			// the next chunk.
			c.emitChunkLocked(unemitted[:idx])
			return
		}
		if c.insideCode {
			return // wait for the block to close, or the hard limit
		}
		return // continue

	default: // n >= maxLen
		c.splitAndEmitLocked(unemitted)
	}
}

// splitAndEmitLocked applies the split algorithm to unemitted and emits one
// chunk, leaving the remainder buffered for the next Push/Finalize.
func (c *Coalescer) splitAndEmitLocked(unemitted string) {
	chunk := split(unemitted, c.cfg.MaxLen)
	c.emitChunkLocked(chunk)
}

func (c *Coalescer) emitChunkLocked(chunk string) {
	if chunk == "" {
		return
	}
	c.applyFenceBookkeeping(chunk)
	c.emitted += chunk
	if c.onChunk != nil {
		c.onChunk(chunk)
	}
}

// applyFenceBookkeeping updates insideCode/codeLang by counting ``` fences
// in chunk, so later pushes know whether we're mid-code-block.
func (c *Coalescer) applyFenceBookkeeping(chunk string) {
	rest := chunk
	for {
		idx := strings.Index(rest, "```")
		if idx < 0 {
			break
		}
		if !c.insideCode {
			// opening fence; capture language tag up to newline
			tagEnd := strings.IndexByte(rest[idx+3:], '\n')
			if tagEnd >= 0 {
				c.codeLang = rest[idx+3 : idx+3+tagEnd]
			} else {
				c.codeLang = rest[idx+3:]
			}
			c.insideCode = true
		} else {
			c.insideCode = false
			c.codeLang = ""
		}
		rest = rest[idx+3:]
	}
}

// fenceOpenNearTail reports the index within s of an opening ``` fence that
// starts within the last window chars of s and has no closing fence after
// it, or -1 if none.
func fenceOpenNearTail(s string, window int) int {
	start := 0
	if len(s) > window {
		start = len(s) - window
	}
	tail := s[start:]
	idx := strings.LastIndex(tail, "```")
	if idx < 0 {
		return -1
	}
	abs := start + idx
	// Is this fence closed later in s? Count fences from the start of s.
	count := strings.Count(s[:abs], "```")
	if count%2 == 1 {
		// abs is itself a closing fence; not an "opening" one.
		return -1
	}
	if strings.Contains(s[abs+3:], "```") {
		return -1 // already closed
	}
	return abs
}

// split prefers double newline, then single newline, then space within
// the last 20% of max; otherwise a hard cut with the truncation marker. A
// chunk ending inside an open code block is closed with a trailing fence.
func split(text string, max int) string {
	if len(text) <= max {
		return closeDanglingFence(text, "")
	}
	window := text[:max]
	tail20 := max - max/5

	if idx := strings.LastIndex(window, "\n\n"); idx >= tail20 {
		return closeDanglingFence(window[:idx+2], "")
	}
	if idx := strings.LastIndex(window, "\n"); idx >= tail20 {
		return closeDanglingFence(window[:idx+1], "")
	}
	if idx := strings.LastIndex(window, " "); idx >= tail20 {
		return closeDanglingFence(window[:idx+1], "")
	}

	hardCut := max - len(truncationMarker)
	if hardCut < 0 {
		hardCut = 0
	}
	if hardCut > len(text) {
		hardCut = len(text)
	}
	return text[:hardCut] + truncationMarker
}

// closeDanglingFence appends a closing ``` to chunk if it contains an odd
// number of fences (i.e. ends mid-code-block).
func closeDanglingFence(chunk, _ string) string {
	if strings.Count(chunk, "```")%2 == 1 {
		if !strings.HasSuffix(chunk, "\n") {
			chunk += "\n"
		}
		chunk += "```"
	}
	return chunk
}

// Complete signals the stream has ended normally: any buffered content is
// split into final chunks as needed, and onComplete fires with the full
// text.
func (c *Coalescer) Complete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return
	}
	for len(c.full)-len(c.emitted) >= c.cfg.MaxLen {
		c.splitAndEmitLocked(c.full[len(c.emitted):])
	}
	remainder := c.full[len(c.emitted):]
	if remainder != "" {
		c.emitChunkLocked(remainder)
	}
	if c.onComplete != nil {
		c.onComplete(c.full)
	}
}

// Finalize is an alias for Complete: it returns any residual content as
// one or more chunks.
func (c *Coalescer) Finalize() { c.Complete() }

// Abort discards in-flight buffered content; no further chunks are emitted.
func (c *Coalescer) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = true
}

// FullText returns the last pushed full text.
func (c *Coalescer) FullText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.full
}
