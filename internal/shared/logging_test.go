package shared

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-42")
	if got := GetCorrelationID(ctx); got != "corr-42" {
		t.Errorf("correlation id = %q, want corr-42", got)
	}
}

func TestCorrelationIDGenerated(t *testing.T) {
	first := GetCorrelationID(context.Background())
	second := GetCorrelationID(context.Background())
	if first == "" || second == "" {
		t.Fatal("expected generated correlation ids")
	}
	if first == second {
		t.Error("bare contexts should not share a generated id")
	}
}

func TestLogWithContextAttachesCorrelation(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	ctx := WithCorrelationID(context.Background(), "corr-7")
	LogWithContext(ctx, logger, "session opened", zap.String("code", "S-1"))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["correlation_id"] != "corr-7" {
		t.Errorf("correlation_id = %v, want corr-7", fields["correlation_id"])
	}
	if fields["code"] != "S-1" {
		t.Errorf("code = %v, want S-1", fields["code"])
	}
}

func TestLogErrorWithContextNilLogger(t *testing.T) {
	LogErrorWithContext(context.Background(), nil, "should not panic", errors.New("boom"))
}
