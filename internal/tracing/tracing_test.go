package tracing

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"
)

const sampleHeader = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

func TestParseTraceparent(t *testing.T) {
	traceID, spanID, flags, ok := ParseTraceparent(sampleHeader)
	if !ok {
		t.Fatal("expected valid header")
	}
	if traceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("traceID = %s", traceID)
	}
	if spanID != "00f067aa0ba902b7" {
		t.Errorf("spanID = %s", spanID)
	}
	if flags != 1 {
		t.Errorf("flags = %d", flags)
	}

	bad := []string{
		"",
		"00-abc",
		"01-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
		"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-zz",
	}
	for _, header := range bad {
		if _, _, _, ok := ParseTraceparent(header); ok {
			t.Errorf("header %q: expected invalid", header)
		}
	}
}

func TestContinueFromTraceparentRoundTrip(t *testing.T) {
	ctx := ContinueFromTraceparent(context.Background(), sampleHeader)
	if got := Traceparent(ctx); got != sampleHeader {
		t.Fatalf("round trip = %q, want %q", got, sampleHeader)
	}
}

func TestContinueFromTraceparentIgnoresBadHeaders(t *testing.T) {
	for _, header := range []string{"", "garbage", "00-zz-yy-01"} {
		ctx := ContinueFromTraceparent(context.Background(), header)
		if got := Traceparent(ctx); got != "" {
			t.Errorf("header %q: traceparent = %q, want empty", header, got)
		}
	}
}

func TestInitializeDisabled(t *testing.T) {
	if err := Initialize(Config{Enabled: false}, zaptest.NewLogger(t)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Helpers stay usable without a provider.
	ctx, span := StartSpan(context.Background(), "test.op")
	span.End()
	_ = Traceparent(ctx)

	if err := Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
