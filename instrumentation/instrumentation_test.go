package instrumentation

import (
	"context"
	"sync"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{
			name:   "defaults",
			config: Config{},
		},
		{
			name: "enabled with service identity",
			config: Config{
				ServiceName:    "credbroker-test",
				ServiceVersion: "1.2.3",
				Enabled:        true,
			},
		},
		{
			name:   "disabled",
			config: Config{Enabled: false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}
			if inst.Meter("server") == nil {
				t.Error("Meter() returned nil")
			}
			if inst.Tracer("server") == nil {
				t.Error("Tracer() returned nil")
			}
			if err := inst.Shutdown(context.Background()); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
		})
	}
}

func TestShutdownIdempotent(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := inst.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() call %d error = %v", i, err)
		}
	}
}

func TestRegisterStorageSizeCallbacks(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = inst.RegisterStorageSizeCallbacks(
		func() int64 { return 1 },
		func() int64 { return 2 },
		func() int64 { return 3 },
	)
	if err != nil {
		t.Errorf("RegisterStorageSizeCallbacks() error = %v", err)
	}
}

func TestMetricsConcurrentRecording(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	m := inst.Metrics()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordHTTPRequest(ctx, "POST", "/oauth/token", 200, 1.5)
			m.RecordConnectStarted(ctx, "zoom")
			m.RecordConnectCompleted(ctx, "zoom", true)
			m.RecordCodeExchange(ctx, "client-1")
			m.RecordTokenIssued(ctx, "client-1")
			m.RecordTokenRefresh(ctx, "zoom", true)
			m.RecordStateMismatch(ctx, "asana")
			m.RecordStorageOperation(ctx, "save_connection", "success", 0.3)
			m.RecordUpstreamCall(ctx, "zoom", "exchange", 12.0, nil)
		}()
	}
	wg.Wait()
}
