package bus

import "testing"

func TestEmit_InvokesAllSubscribers(t *testing.T) {
	b := New()
	var got []string

	b.On("ping", func(ev Event) { got = append(got, "a:"+ev.Payload.(string)) })
	b.On("ping", func(ev Event) { got = append(got, "b:"+ev.Payload.(string)) })

	b.Emit("ping", "hi")

	if len(got) != 2 {
		t.Fatalf("expected 2 invocations, got %d: %v", len(got), got)
	}
}

func TestEmit_OnlyInvokesMatchingEventName(t *testing.T) {
	b := New()
	var pings, pongs int

	b.On("ping", func(Event) { pings++ })
	b.On("pong", func(Event) { pongs++ })

	b.Emit("ping", nil)

	if pings != 1 || pongs != 0 {
		t.Errorf("expected ping=1 pong=0, got ping=%d pong=%d", pings, pongs)
	}
}

func TestOff_RemovesSubscription(t *testing.T) {
	b := New()
	var calls int

	tok := b.On("evt", func(Event) { calls++ })
	b.Emit("evt", nil)
	b.Off(tok)
	b.Emit("evt", nil)

	if calls != 1 {
		t.Errorf("expected exactly one call before Off, got %d", calls)
	}
}

func TestOff_IsSafeToCallTwice(t *testing.T) {
	b := New()
	tok := b.On("evt", func(Event) {})

	b.Off(tok)
	b.Off(tok) // must not panic
}

func TestEmit_HandlerCanSubscribeDuringEmit(t *testing.T) {
	b := New()
	var nested bool

	b.On("evt", func(Event) {
		b.On("evt", func(Event) { nested = true })
	})

	b.Emit("evt", nil) // registers the nested handler
	b.Emit("evt", nil) // nested handler should now fire

	if !nested {
		t.Error("expected a handler registered mid-emit to fire on the next Emit")
	}
}

func TestEmit_NoSubscribersIsNoOp(t *testing.T) {
	b := New()
	b.Emit("nothing-listening", "payload") // must not panic
}
