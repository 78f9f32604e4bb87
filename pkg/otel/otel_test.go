package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("test-service")

	if config.ServiceName != "test-service" {
		t.Errorf("Expected service name 'test-service', got '%s'", config.ServiceName)
	}
	if config.ServiceVersion == "" {
		t.Error("Service version should not be empty")
	}
	if config.CollectorEndpoint == "" {
		t.Error("Collector endpoint should not be empty")
	}
	if config.SamplingRate < 0.0 || config.SamplingRate > 1.0 {
		t.Errorf("Sampling rate out of bounds: %.2f", config.SamplingRate)
	}
}

func TestCheckAttributes(t *testing.T) {
	attrs := CheckAttributes("solubility-v2", 200, 3)

	want := map[attribute.Key]bool{
		AttrModelID:      true,
		AttrPairCount:    true,
		AttrPairsSkipped: true,
	}
	if len(attrs) != len(want) {
		t.Fatalf("expected %d attributes, got %d", len(want), len(attrs))
	}
	for _, a := range attrs {
		if !want[a.Key] {
			t.Errorf("unexpected attribute key %s", a.Key)
		}
	}
}

func TestRunAttributes(t *testing.T) {
	attrs := RunAttributes("run_abc", "m1", "correction")

	if len(attrs) != 3 {
		t.Fatalf("expected 3 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != AttrRunID || attrs[0].Value.AsString() != "run_abc" {
		t.Errorf("run id attribute wrong: %v", attrs[0])
	}
}

func TestStartSpanWithoutProvider(t *testing.T) {
	// With no provider installed the noop tracer must still yield a span.
	ctx, span := StartSpan(context.Background(), "recalibra", "drift.check",
		AttrModelID.String("m1"))
	defer span.End()

	if ctx == nil || span == nil {
		t.Fatal("StartSpan should always return a usable context and span")
	}
}

func TestRecordErrorNilSafe(t *testing.T) {
	// Must not panic on nil span or nil error.
	RecordError(nil, nil, "")

	_, span := StartSpan(context.Background(), "recalibra", "noop")
	RecordError(span, nil, "ignored")
	span.End()
}
