package telemetry

import (
	"context"
	"testing"

	"github.com/squall-dispatch/squall/internal/config"
)

func TestInitDisabledReturnsNoopShutdown(t *testing.T) {
	shutdown, err := Init(config.TelemetryConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("no-op shutdown returned an error: %v", err)
	}
}

func TestInitEnabledWithoutEndpointStaysNoop(t *testing.T) {
	shutdown, err := Init(config.TelemetryConfig{Enabled: true, OTLPEndpoint: ""})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("no-op shutdown returned an error: %v", err)
	}
}

func TestStartReviewTagsPromptDigestAndModelCount(t *testing.T) {
	ctx, span := StartReview(context.Background(), "abc123", 5)
	defer span.End()
	if ctx == nil {
		t.Error("StartReview returned a nil context")
	}
	if span == nil {
		t.Fatal("StartReview returned a nil span")
	}
}

func TestStartDispatchTagsModelKeyAndBackend(t *testing.T) {
	_, span := StartDispatch(context.Background(), "gpt-5", "http")
	defer span.End()
	if span == nil {
		t.Fatal("StartDispatch returned a nil span")
	}
}
