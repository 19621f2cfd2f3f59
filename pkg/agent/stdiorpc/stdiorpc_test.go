package stdiorpc

import (
	"context"
	"testing"
	"time"

	"github.com/kynetic-ai/kbot/pkg/agent"
)

func TestNewSession_ParsesResponse(t *testing.T) {
	script := `read line; echo '{"jsonrpc":"2.0","id":1,"result":{"sessionId":"abc-123"}}'`
	c, err := Spawn(context.Background(), "/bin/sh", []string{"-c", script}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := c.NewSession(ctx, map[string]any{"foo": "bar"})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if id != "abc-123" {
		t.Errorf("expected sessionId abc-123, got %q", id)
	}
}

func TestPrompt_SurfacesRPCError(t *testing.T) {
	script := `read line; echo '{"jsonrpc":"2.0","id":1,"error":{"code":-1,"message":"no such session"}}'`
	c, err := Spawn(context.Background(), "/bin/sh", []string{"-c", script}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = c.Prompt(ctx, agent.PromptRequest{
		SessionID:    "sess-1",
		Prompt:       []agent.ContentBlock{{Type: "text", Text: "hi"}},
		PromptSource: agent.PromptUser,
	})
	if err == nil {
		t.Fatal("expected an error surfaced from the rpc error field")
	}
}

func TestUpdates_ReceivesPushedNotifications(t *testing.T) {
	script := `echo '{"jsonrpc":"2.0","method":"update","params":{"sessionUpdate":"agent_message_chunk","content":"hi"}}'; sleep 5`
	c, err := Spawn(context.Background(), "/bin/sh", []string{"-c", script}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer c.Close()

	select {
	case u := <-c.Updates():
		if u.SessionUpdate != "agent_message_chunk" || u.Content != "hi" {
			t.Errorf("unexpected update: %+v", u)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a pushed notification")
	}
}

func TestCall_ContextCancellationReturnsPromptly(t *testing.T) {
	script := `sleep 5`
	c, err := Spawn(context.Background(), "/bin/sh", []string{"-c", script}, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = c.NewSession(ctx, nil)
	if err == nil {
		t.Error("expected NewSession to return an error once the context deadline passes")
	}
}
