// Package stdiorpc is the reference implementation of the agent RPC
// contract over a child process's stdin/stdout, using line-delimited
// JSON-RPC 2.0 framing: same request/response framing and locked stdin
// writer as a tool-server bridge, generalized to a newSession/prompt/
// update-stream contract.
//
// The concrete wire format is an implementation choice, not a mandated
// one — pkg/agent.Client is the contract the rest of kbot actually
// depends on.
package stdiorpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/kynetic-ai/kbot/pkg/agent"
)

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// notification is an unsolicited update pushed on its own line (no id).
type notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Client is a stdiorpc-framed agent.Client backed by a spawned child
// process.
type Client struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex
	nextID atomic.Int64

	pending   map[int64]chan response
	pendingMu sync.Mutex

	updates chan agent.Update
	done    chan struct{}
}

// Env injects k=v pairs (e.g. an OAuth bearer token from pkg/agentauth)
// into the spawned process's environment, on top of os.Environ().
func Spawn(ctx context.Context, command string, args []string, env map[string]string) (*Client, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdiorpc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdiorpc: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("stdiorpc: start process: %w", err)
	}

	c := &Client{
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan response),
		updates: make(chan agent.Update, 64),
		done:    make(chan struct{}),
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	go c.readLoop(scanner)

	return c, nil
}

func (c *Client) readLoop(scanner *bufio.Scanner) {
	defer close(c.done)
	for scanner.Scan() {
		line := scanner.Bytes()
		var probe struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}
		if probe.ID == nil && probe.Method != "" {
			var n notification
			if err := json.Unmarshal(line, &n); err == nil {
				c.dispatchNotification(n)
			}
			continue
		}
		if probe.ID != nil {
			var resp response
			if err := json.Unmarshal(line, &resp); err == nil {
				c.pendingMu.Lock()
				ch, ok := c.pending[resp.ID]
				if ok {
					delete(c.pending, resp.ID)
				}
				c.pendingMu.Unlock()
				if ok {
					ch <- resp
				}
			}
		}
	}
	close(c.updates)
}

func (c *Client) dispatchNotification(n notification) {
	if n.Method != "update" {
		return
	}
	var u agent.Update
	if err := json.Unmarshal(n.Params, &u); err != nil {
		return
	}
	select {
	case c.updates <- u:
	default:
	}
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req := request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	c.mu.Lock()
	_, writeErr := c.stdin.Write(append(data, '\n'))
	c.mu.Unlock()
	if writeErr != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("stdiorpc: write request: %w", writeErr)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("stdiorpc: %s: %s", method, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("stdiorpc: connection closed while waiting for %s", method)
	}
}

// NewSession implements agent.Client.
func (c *Client) NewSession(ctx context.Context, params map[string]any) (string, error) {
	raw, err := c.call(ctx, "newSession", params)
	if err != nil {
		return "", err
	}
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("stdiorpc: parse newSession result: %w", err)
	}
	return out.SessionID, nil
}

// Prompt implements agent.Client.
func (c *Client) Prompt(ctx context.Context, req agent.PromptRequest) (agent.PromptResult, error) {
	raw, err := c.call(ctx, "prompt", map[string]any{
		"sessionId":    req.SessionID,
		"prompt":       req.Prompt,
		"promptSource": req.PromptSource,
	})
	if err != nil {
		return agent.PromptResult{}, err
	}
	var out agent.PromptResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return agent.PromptResult{}, fmt.Errorf("stdiorpc: parse prompt result: %w", err)
	}
	return out, nil
}

// Updates implements agent.Client.
func (c *Client) Updates() <-chan agent.Update { return c.updates }

// Close implements agent.Client, terminating the subprocess.
func (c *Client) Close() error {
	if c.stdin != nil {
		c.stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		return c.cmd.Process.Kill()
	}
	return nil
}

// Factory returns an agent.ClientFactory that spawns command/args with env
// merged on top of the process environment, e.g.:
//
//	agent.New(cfg, stdiorpc.Factory("my-agent", nil, envProvider), nil, bus)
func Factory(command string, args []string, envProvider func() map[string]string) agent.ClientFactory {
	return func(ctx context.Context) (agent.Client, error) {
		env := map[string]string{}
		if envProvider != nil {
			env = envProvider()
		}
		return Spawn(ctx, command, args, env)
	}
}
