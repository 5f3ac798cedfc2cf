package zaplogger

import (
	"errors"
	"testing"

	"github.com/Zhima-Mochi/offramp-settlement/internal/observability"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerWritesFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := New(zap.New(core), observability.F("service", "offramp"))

	l.With(observability.F("order_id", "o-1")).Warn("poll_attempt_failed",
		observability.F("attempt", 2),
		observability.F("error", errors.New("boom")),
	)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["service"] != "offramp" || ctx["order_id"] != "o-1" {
		t.Fatalf("missing bound fields: %v", ctx)
	}
	if ctx["error"] != "boom" {
		t.Fatalf("error field = %v", ctx["error"])
	}
	if entries[0].Message != "poll_attempt_failed" {
		t.Fatalf("message = %q", entries[0].Message)
	}
}
