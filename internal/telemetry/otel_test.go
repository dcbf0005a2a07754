package telemetry

import (
	"context"
	"testing"

	"github.com/coretask/boardqueue/internal/config"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), config.OTelConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil {
		t.Fatal("expected non-nil tracer (noop)")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil meter (noop)")
	}
	if p.Metrics == nil {
		t.Fatal("expected non-nil Metrics even when disabled")
	}
}

func TestInit_Disabled_ShutdownNoop(t *testing.T) {
	p, err := Init(context.Background(), config.OTelConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_StdoutExporter(t *testing.T) {
	p, err := Init(context.Background(), config.OTelConfig{
		Enabled:  true,
		Exporter: "stdout",
	})
	if err != nil {
		t.Fatalf("Init with stdout exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}
	if p.Metrics == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), config.OTelConfig{
		Enabled:  true,
		Exporter: "magic-pixie-dust",
	})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInit_TracerCreatesSpans(t *testing.T) {
	p, err := Init(context.Background(), config.OTelConfig{
		Enabled:  true,
		Exporter: "stdout",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := p.Tracer.Start(context.Background(), "test.span")
	if span == nil {
		t.Fatal("expected non-nil span")
	}
	span.End()
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), config.OTelConfig{
		Enabled:  true,
		Exporter: "stdout",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "test.internal",
		AttrTaskID.String("test-task"),
		AttrWorkerID.String("test-worker"),
	)
	span.End()

	_, span2 := StartServerSpan(context.Background(), p.Tracer, "test.server")
	span2.End()
}

func TestNewMetrics_AllInstrumentsBuildable(t *testing.T) {
	p, err := Init(context.Background(), config.OTelConfig{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.QueueDepth.Add(context.Background(), 1)
	m.ClaimAttempts.Add(context.Background(), 1)
	m.LoopRejections.Add(context.Background(), 1)
}
