package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx := WithTraceID(context.Background(), "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestEntityAndEventID_RoundTrip(t *testing.T) {
	ctx := WithEntityKey(context.Background(), "project:garden")
	ctx = WithEventID(ctx, "Ev123")
	if got := EntityKey(ctx); got != "project:garden" {
		t.Fatalf("entity key: got %q", got)
	}
	if got := EventID(ctx); got != "Ev123" {
		t.Fatalf("event id: got %q", got)
	}
}

func TestEventTraceID_Deterministic(t *testing.T) {
	a := EventTraceID("Ev0001")
	b := EventTraceID("Ev0001")
	if a != b {
		t.Fatalf("expected stable trace id, got %q and %q", a, b)
	}
	if a == EventTraceID("Ev0002") {
		t.Fatal("distinct events must not share a trace id")
	}
}

func TestCommandTraceID_HashesAllParts(t *testing.T) {
	base := CommandTraceID("/research", "C1", "U1", "trig-1")
	if base != CommandTraceID("/research", "C1", "U1", "trig-1") {
		t.Fatal("command trace id must be deterministic")
	}
	variants := []string{
		CommandTraceID("/ritual", "C1", "U1", "trig-1"),
		CommandTraceID("/research", "C2", "U1", "trig-1"),
		CommandTraceID("/research", "C1", "U2", "trig-1"),
		CommandTraceID("/research", "C1", "U1", "trig-2"),
	}
	for i, v := range variants {
		if v == base {
			t.Fatalf("variant %d collided with base trace id", i)
		}
	}
	// Part boundaries matter: ("ab","c") must differ from ("a","bc").
	if CommandTraceID("ab", "c", "", "") == CommandTraceID("a", "bc", "", "") {
		t.Fatal("expected separator between hashed parts")
	}
}

func TestShortTrace(t *testing.T) {
	if got := ShortTrace("0123456789"); got != "01234567" {
		t.Fatalf("got %q", got)
	}
	if got := ShortTrace("abc"); got != "abc" {
		t.Fatalf("got %q", got)
	}
}
