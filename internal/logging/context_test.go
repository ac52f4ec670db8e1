package logging

import (
	"context"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestWithCorrelationID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	if got := CorrelationIDFromContext(ctx); got != "" {
		t.Errorf("CorrelationIDFromContext(empty) = %q, want empty", got)
	}

	ctx = WithCorrelationID(ctx, "corr-123")
	if got := CorrelationIDFromContext(ctx); got != "corr-123" {
		t.Errorf("CorrelationIDFromContext() = %q, want corr-123", got)
	}
}

func TestWithCorrelationID_PanicsOnInvalid(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{"empty", ""},
		{"newline injection", "corr\nfake_log_line"},
		{"spaces", "corr 123"},
		{"too long", string(make([]byte, maxIDLen+1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("WithCorrelationID(%q) did not panic", tt.id)
				}
			}()
			WithCorrelationID(context.Background(), tt.id)
		})
	}
}

func TestValidCorrelationID(t *testing.T) {
	if !ValidCorrelationID("abc-123_XYZ") {
		t.Error("ValidCorrelationID(abc-123_XYZ) = false, want true")
	}
	if ValidCorrelationID("has spaces") {
		t.Error("ValidCorrelationID(has spaces) = true, want false")
	}
	if ValidCorrelationID("") {
		t.Error("ValidCorrelationID(empty) = true, want false")
	}
}

func TestEnsureCorrelationID(t *testing.T) {
	// Mints when absent.
	ctx, cid := EnsureCorrelationID(context.Background())
	if cid == "" {
		t.Fatal("EnsureCorrelationID minted empty id")
	}
	if got := CorrelationIDFromContext(ctx); got != cid {
		t.Errorf("context id = %q, want %q", got, cid)
	}

	// Preserves when present.
	ctx2, cid2 := EnsureCorrelationID(ctx)
	if cid2 != cid {
		t.Errorf("EnsureCorrelationID replaced %q with %q", cid, cid2)
	}
	if ctx2 != ctx {
		t.Error("EnsureCorrelationID returned new context when id already present")
	}
}

func TestContextFields_IncludesCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-xyz")
	fields := ContextFields(ctx)

	found := false
	for _, f := range fields {
		if f.Key == "correlation_id" && f.String == "corr-xyz" {
			found = true
		}
	}
	if !found {
		t.Errorf("ContextFields() = %+v, missing correlation_id", fields)
	}
}

func TestContextFields_EmptyContext(t *testing.T) {
	fields := ContextFields(context.Background())
	if len(fields) != 0 {
		t.Errorf("ContextFields(empty) = %+v, want no fields", fields)
	}
}

func TestLoggerContext_RoundTrip(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)

	if got := FromContext(ctx); got != tl.Logger {
		t.Error("FromContext() did not return the stored logger")
	}

	// Absent logger falls back to a nop that never panics.
	nop := FromContext(context.Background())
	nop.Info(context.Background(), "should not panic")
}

func TestLogger_EmitsContextFields(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithCorrelationID(context.Background(), "corr-emit")

	tl.Info(ctx, "action routed")

	tl.AssertLogged(t, zapcore.InfoLevel, "action routed")
	tl.AssertField(t, "action routed", "correlation_id", "corr-emit")
	tl.AssertCorrelated(t, "action routed")
}
