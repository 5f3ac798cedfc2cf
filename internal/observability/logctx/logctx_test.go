package logctx

import (
	"context"
	"testing"

	"github.com/Zhima-Mochi/offramp-settlement/internal/observability"
)

type recordingLogger struct {
	fields []observability.Field
}

func (l *recordingLogger) With(fields ...observability.Field) observability.Logger {
	return &recordingLogger{fields: append(append([]observability.Field(nil), l.fields...), fields...)}
}
func (l *recordingLogger) Debug(string, ...observability.Field) {}
func (l *recordingLogger) Info(string, ...observability.Field)  {}
func (l *recordingLogger) Warn(string, ...observability.Field)  {}
func (l *recordingLogger) Error(string, ...observability.Field) {}

func TestFromOrFallsBack(t *testing.T) {
	fallback := &recordingLogger{}
	if got := FromOr(context.Background(), fallback); got != fallback {
		t.Fatal("expected fallback logger")
	}
	if got := FromOr(context.Background(), nil); got == nil {
		t.Fatal("nil fallback must yield a nop logger")
	}
}

func TestEnrichStoresLogger(t *testing.T) {
	base := &recordingLogger{}
	ctx, logger := Enrich(context.Background(), base, observability.F("order_id", "o-1"))
	if From(ctx) != logger {
		t.Fatal("enriched logger not stored on context")
	}
	got := logger.(*recordingLogger).fields
	if len(got) != 1 || got[0].Key != "order_id" {
		t.Fatalf("fields = %+v", got)
	}
}
