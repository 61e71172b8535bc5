package telemetry_test

import (
	"context"
	"testing"

	"github.com/meigma/offline/internal/telemetry"
)

func TestSetupNoopWhenEndpointEmpty(t *testing.T) {
	t.Setenv(telemetry.EnvEndpoint, "")
	t.Setenv(telemetry.EnvEnabled, "")

	shutdown, err := telemetry.Setup(context.Background(), "offline-test")
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("noop shutdown error = %v", err)
	}
}

func TestSetupNoopWhenDisabled(t *testing.T) {
	t.Setenv(telemetry.EnvEndpoint, "http://localhost:4318")
	t.Setenv(telemetry.EnvEnabled, "FALSE")

	shutdown, err := telemetry.Setup(context.Background(), "offline-test")
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error = %v", err)
	}
}

func TestSetupCreatesProvider(t *testing.T) {
	// Non-routable address; nothing is exported before shutdown.
	t.Setenv(telemetry.EnvEndpoint, "http://192.0.2.1:4318")
	t.Setenv(telemetry.EnvEnabled, "")

	shutdown, err := telemetry.Setup(context.Background(), "offline-test")
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error = %v", err)
	}
}
