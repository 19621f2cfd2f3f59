package router

import (
	"fmt"
	"testing"

	"github.com/kynetic-ai/kbot/pkg/kerrors"
	"github.com/kynetic-ai/kbot/pkg/message"
)

func TestKey_IsDeterministic(t *testing.T) {
	k1 := Key("main", "discord", PeerUser, "123")
	k2 := Key("main", "discord", PeerUser, "123")
	if k1 != k2 {
		t.Errorf("expected equal inputs to produce equal keys, got %q and %q", k1, k2)
	}
	if k1 != "main:discord:user:123" {
		t.Errorf("unexpected key shape: %q", k1)
	}
}

func TestResolveSession_UnknownAgentFails(t *testing.T) {
	r := New()
	msg := message.Normalized{ID: "m1", Sender: message.Sender{ID: "u1", Platform: "discord"}}

	_, err := r.ResolveSession(msg, "ghost")
	if err == nil {
		t.Fatal("expected resolving an unregistered agent to fail")
	}
	if kerr, ok := err.(*kerrors.Error); !ok || kerr.Kind != kerrors.KindRouting {
		t.Errorf("expected a routing-kind kerrors.Error, got %#v", err)
	}
}

func TestResolveSession_CreatesAndReusesSession(t *testing.T) {
	r := New()
	r.AddAgent("main")
	msg := message.Normalized{ID: "m1", Sender: message.Sender{ID: "u1", Platform: "discord"}}

	s1, err := r.ResolveSession(msg, "main")
	if err != nil {
		t.Fatalf("ResolveSession: %v", err)
	}
	s2, err := r.ResolveSession(msg, "main")
	if err != nil {
		t.Fatalf("ResolveSession (2nd): %v", err)
	}
	if s1 != s2 {
		t.Error("expected the same session record for the same sender across calls")
	}
}

func TestSeenMessage_DetectsDuplicates(t *testing.T) {
	s := &Session{}
	if s.SeenMessage("m1") {
		t.Error("expected the first sighting of m1 to report not-seen")
	}
	if !s.SeenMessage("m1") {
		t.Error("expected the second sighting of m1 to report already-seen")
	}
}

func TestSeenMessage_EvictsOldestBeyondBufferSize(t *testing.T) {
	s := &Session{}
	for i := 0; i < recentContextBufferSize+1; i++ {
		s.SeenMessage(fmt.Sprintf("msg-%d", i))
	}
	if s.SeenMessage("msg-0") {
		t.Error("expected the earliest message id to have been evicted from the buffer")
	}
}

func TestEvictSession_RemovesRecord(t *testing.T) {
	r := New()
	r.AddAgent("main")
	msg := message.Normalized{ID: "m1", Sender: message.Sender{ID: "u1", Platform: "discord"}}
	if _, err := r.ResolveSession(msg, "main"); err != nil {
		t.Fatalf("ResolveSession: %v", err)
	}

	key := Key("main", "discord", PeerUser, "u1")
	r.EvictSession(key)

	if _, ok := r.GetSession(key); ok {
		t.Error("expected the session to be gone after eviction")
	}
}
