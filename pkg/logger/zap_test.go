package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestToZapLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel},
		{"ERROR", zapcore.ErrorLevel},
		{"nonsense", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		if got := toZapLevel(tt.in); got != tt.want {
			t.Errorf("toZapLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestZapLoggerFieldsReachCore(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZapLoggerFrom(zap.New(core))

	l.Info("tile loaded", "key", "osm:base:3:1:2", "size", 42)

	entries := logs.FilterMessage("tile loaded").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["key"] != "osm:base:3:1:2" {
		t.Errorf("unexpected key field: %v", fields["key"])
	}
	if fields["size"] != int64(42) {
		t.Errorf("unexpected size field: %v (%T)", fields["size"], fields["size"])
	}
}

func TestFromContextFallsBackToNop(t *testing.T) {
	if _, ok := FromContext(context.Background()).(*noOpLogger); !ok {
		t.Fatal("expected no-op logger for empty context")
	}

	core, _ := observer.New(zapcore.InfoLevel)
	l := NewZapLoggerFrom(zap.New(core))
	ctx := WithLogger(context.Background(), l)
	if FromContext(ctx) != Logger(l) {
		t.Fatal("expected logger stored in context")
	}
}
