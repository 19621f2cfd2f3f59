// Package channel defines the chat-platform adapter contract: the boundary
// between a concrete chat platform SDK and the orchestrator's
// platform-agnostic pkg/message.Normalized shape, plus a Lifecycle wrapper
// supplying reconnect/backoff/send-queue/shutdown-drain behavior common to
// every adapter, built around the familiar Start/Stop/running/stopCh shape
// of a long-lived background poll loop.
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/kynetic-ai/kbot/pkg/logger"
	"github.com/kynetic-ai/kbot/pkg/message"
)

// Outbound is one message this process wants delivered to a channel.
type Outbound struct {
	ChannelID string
	Text      string
	EditOf    string // non-empty: edit an existing platform message instead of sending a new one
}

// SendResult carries back the platform message id, used by the coalescer's
// edit-based variant to target subsequent edits.
type SendResult struct {
	MessageID string
}

// Adapter is the contract a concrete platform binding (Discord, Telegram,
// Slack, ...) implements. Connect must block until the underlying
// connection drops or ctx is canceled; Lifecycle calls it repeatedly with
// backoff.
type Adapter interface {
	Platform() string
	Connect(ctx context.Context, onMessage func(message.Normalized)) error
	Send(ctx context.Context, out Outbound) (SendResult, error)
	// SendTyping best-effort signals that a reply is in progress. Callers
	// should ignore its error and never block a reply on it.
	SendTyping(ctx context.Context, channelID string) error
	Close() error
}

// Lifecycle wraps an Adapter with reconnect/backoff, a bounded outbound
// send queue, and a drain-on-shutdown guarantee.
type Lifecycle struct {
	adapter   Adapter
	onMessage func(message.Normalized)

	minBackoff time.Duration
	maxBackoff time.Duration

	sendCh chan sendRequest

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type sendRequest struct {
	out    Outbound
	result chan<- sendOutcome
}

type sendOutcome struct {
	res SendResult
	err error
}

// NewLifecycle wraps adapter. queueDepth bounds the outbound send queue;
// shutdown drains whatever is queued before returning.
func NewLifecycle(adapter Adapter, onMessage func(message.Normalized), queueDepth int) *Lifecycle {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &Lifecycle{
		adapter:    adapter,
		onMessage:  onMessage,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		sendCh:     make(chan sendRequest, queueDepth),
	}
}

// Start connects the adapter in the background, reconnecting with
// exponential backoff until Stop is called or ctx is canceled.
func (l *Lifecycle) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	stop := l.stopCh
	done := l.doneCh
	l.mu.Unlock()

	go l.run(ctx, stop, done)
}

func (l *Lifecycle) run(ctx context.Context, stop chan struct{}, done chan struct{}) {
	defer close(done)
	backoff := l.minBackoff
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		connCtx, cancel := contextWithStop(ctx, stop)
		err := l.adapter.Connect(connCtx, l.onMessage)
		cancel()

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err != nil {
			logger.WarnCF("channel", "adapter connection dropped", map[string]interface{}{
				"platform": l.adapter.Platform(),
				"error":    err.Error(),
				"backoff":  backoff.String(),
			})
		}

		select {
		case <-time.After(backoff):
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

// contextWithStop derives a context canceled when either parent is done or
// stop fires.
func contextWithStop(parent context.Context, stop chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Send enqueues out for delivery and blocks until it is sent or ctx is
// canceled.
func (l *Lifecycle) Send(ctx context.Context, out Outbound) (SendResult, error) {
	result := make(chan sendOutcome, 1)
	select {
	case l.sendCh <- sendRequest{out: out, result: result}:
	case <-ctx.Done():
		return SendResult{}, ctx.Err()
	}

	select {
	case outcome := <-result:
		return outcome.res, outcome.err
	case <-ctx.Done():
		return SendResult{}, ctx.Err()
	}
}

// ServeSendQueue drains sendCh by calling adapter.Send, until ctx is
// canceled. The orchestrator runs this in its own goroutine alongside
// Start.
func (l *Lifecycle) ServeSendQueue(ctx context.Context) {
	for {
		select {
		case req := <-l.sendCh:
			if ctx.Err() != nil {
				req.result <- sendOutcome{err: ctx.Err()}
				l.drain()
				return
			}
			res, err := l.adapter.Send(ctx, req.out)
			req.result <- sendOutcome{res: res, err: err}
		case <-ctx.Done():
			l.drain()
			return
		}
	}
}

// drain flushes any requests left in sendCh with a shutdown error, so
// callers blocked in Send don't hang forever.
func (l *Lifecycle) drain() {
	for {
		select {
		case req := <-l.sendCh:
			req.result <- sendOutcome{err: context.Canceled}
		default:
			return
		}
	}
}

// Stop halts the reconnect loop and closes the adapter.
func (l *Lifecycle) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	close(l.stopCh)
	done := l.doneCh
	l.running = false
	l.mu.Unlock()

	<-done
	if err := l.adapter.Close(); err != nil {
		logger.WarnCF("channel", "adapter close failed", map[string]interface{}{
			"platform": l.adapter.Platform(),
			"error":    err.Error(),
		})
	}
}
