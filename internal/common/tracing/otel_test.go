package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in       string
		host     string
		insecure bool
	}{
		{"http://localhost:4318", "localhost:4318", true},
		{"https://collector.internal:4318", "collector.internal:4318", false},
		{"collector:4318", "collector:4318", true},
	}
	for _, tt := range tests {
		host, insecure := parseEndpoint(tt.in)
		if host != tt.host || insecure != tt.insecure {
			t.Errorf("parseEndpoint(%q) = (%q, %v), want (%q, %v)", tt.in, host, insecure, tt.host, tt.insecure)
		}
	}
}

func TestSpansAreNoopWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	ctx, span := StartJobSpan(context.Background(), "job-1", "app-1")
	if ctx == nil {
		t.Fatal("expected context")
	}
	EndSpan(span, errors.New("boom"))

	_, span = StartAgentCommandSpan(context.Background(), "s-1", "build")
	EndSpan(span, nil)

	if err := Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}
