package telemetry

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSamplerForMode(t *testing.T) {
	cases := []struct {
		name     string
		mode     string
		ratio    float64
		wantDrop bool
	}{
		{name: "off drops", mode: "off", ratio: 1, wantDrop: true},
		{name: "sampled zero ratio drops", mode: "sampled", ratio: 0, wantDrop: true},
		{name: "sampled full ratio records", mode: "sampled", ratio: 1},
		{name: "always records", mode: "always", ratio: 0},
		{name: "unknown falls back to sampled", mode: "verbose", ratio: 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision := samplerForMode(tc.mode, tc.ratio).ShouldSample(sdktrace.SamplingParameters{}).Decision
			if got := decision == sdktrace.Drop; got != tc.wantDrop {
				t.Fatalf("drop = %t, want %t", got, tc.wantDrop)
			}
		})
	}
}

func TestSetup(t *testing.T) {
	runtime, err := Setup(Config{Enabled: false, TraceMode: "always"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if TraceMode() != traceModeOff {
		t.Fatalf("disabled tracing should report off, got %s", TraceMode())
	}
	if err := runtime.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	runtime, err = Setup(Config{Enabled: true, ServiceName: "lag-test", TraceMode: "sampled", SampleRatio: 0.5})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer runtime.Shutdown(context.Background())
	if runtime.TracerProvider == nil || TraceMode() != traceModeSampled {
		t.Fatalf("unexpected runtime: mode=%s", TraceMode())
	}
}
