package conversation

import "testing"

func TestGetOrCreateConversation_ReusesExisting(t *testing.T) {
	s := New(t.TempDir(), nil, nil)

	c1, err := s.GetOrCreateConversation("main:discord:user:1")
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	c2, err := s.GetOrCreateConversation("main:discord:user:1")
	if err != nil {
		t.Fatalf("GetOrCreateConversation (2nd): %v", err)
	}
	if c1.ID != c2.ID {
		t.Errorf("expected the same conversation id for the same session key, got %s and %s", c1.ID, c2.ID)
	}
}

func TestAppendTurn_IdempotentByMessageID(t *testing.T) {
	s := New(t.TempDir(), nil, nil)
	conv, err := s.CreateConversation("key-1")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	r1, err := s.AppendTurn(conv.ID, AppendTurnInput{Role: RoleUser, SessionID: "sess-1", MessageID: "msg-1"})
	if err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if r1.WasDuplicate {
		t.Error("expected the first append not to be flagged as a duplicate")
	}

	r2, err := s.AppendTurn(conv.ID, AppendTurnInput{Role: RoleUser, SessionID: "sess-1", MessageID: "msg-1"})
	if err != nil {
		t.Fatalf("AppendTurn (replay): %v", err)
	}
	if !r2.WasDuplicate {
		t.Error("expected replaying the same message id to be flagged as a duplicate")
	}
	if r1.Turn.Seq != r2.Turn.Seq {
		t.Errorf("expected the same turn seq on replay, got %d and %d", r1.Turn.Seq, r2.Turn.Seq)
	}

	n, err := s.GetTurnCount(conv.ID)
	if err != nil {
		t.Fatalf("GetTurnCount: %v", err)
	}
	if n != 1 {
		t.Errorf("expected exactly one durable turn after a duplicate append, got %d", n)
	}
}

func TestAppendTurn_RejectsInvalidRole(t *testing.T) {
	s := New(t.TempDir(), nil, nil)
	conv, err := s.CreateConversation("key-1")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	if _, err := s.AppendTurn(conv.ID, AppendTurnInput{Role: "bogus", SessionID: "sess-1"}); err == nil {
		t.Error("expected an invalid role to be rejected")
	}
}

func TestAppendTurn_RejectsUnknownSessionWhenCheckerAttached(t *testing.T) {
	checker := fakeChecker{known: map[string]bool{"sess-1": true}}
	s := New(t.TempDir(), nil, checker)
	conv, err := s.CreateConversation("key-1")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	if _, err := s.AppendTurn(conv.ID, AppendTurnInput{Role: RoleUser, SessionID: "unknown-session"}); err == nil {
		t.Error("expected an unknown session id to be rejected when a checker is attached")
	}
	if _, err := s.AppendTurn(conv.ID, AppendTurnInput{Role: RoleUser, SessionID: "sess-1"}); err != nil {
		t.Errorf("expected a known session id to be accepted, got %v", err)
	}
}

type fakeChecker struct{ known map[string]bool }

func (f fakeChecker) SessionExists(id string) (bool, error) { return f.known[id], nil }

func TestReadTurnsSince_FiltersByRange(t *testing.T) {
	s := New(t.TempDir(), nil, nil)
	conv, err := s.CreateConversation("key-1")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := s.AppendTurn(conv.ID, AppendTurnInput{Role: RoleUser, SessionID: "sess-1"}); err != nil {
			t.Fatalf("AppendTurn %d: %v", i, err)
		}
	}

	turns, err := s.ReadTurnsSince(conv.ID, 2, 3)
	if err != nil {
		t.Fatalf("ReadTurnsSince: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns in range [2,3], got %d", len(turns))
	}
	if turns[0].Seq != 2 || turns[1].Seq != 3 {
		t.Errorf("unexpected turn seqs: %d, %d", turns[0].Seq, turns[1].Seq)
	}
}
