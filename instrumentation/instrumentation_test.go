package instrumentation

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "disabled",
			config: Config{Enabled: false},
		},
		{
			name: "enabled without exporter",
			config: Config{
				Enabled:        true,
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
			},
		},
		{
			name: "enabled with prometheus",
			config: Config{
				Enabled:        true,
				MetricExporter: MetricExporterPrometheus,
			},
		},
		{
			name: "unknown exporter",
			config: Config{
				Enabled:        true,
				MetricExporter: "carrier-pigeon",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			defer func() { _ = inst.Shutdown(context.Background()) }()

			if inst.Meter("http") == nil {
				t.Error("Meter('http') returned nil")
			}
			if inst.Tracer("server") == nil {
				t.Error("Tracer('server') returned nil")
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}
			if inst.TracerProvider() == nil || inst.MeterProvider() == nil {
				t.Error("providers should not be nil")
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.config.ServiceName != DefaultServiceName {
		t.Errorf("ServiceName = %q, want %q", inst.config.ServiceName, DefaultServiceName)
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("ServiceVersion = %q, want %q", inst.config.ServiceVersion, DefaultServiceVersion)
	}
	if inst.MetricsHandler() != nil {
		t.Error("MetricsHandler() should be nil without prometheus exporter")
	}
}

func TestMetricsHandler_ExposesRecordedMetrics(t *testing.T) {
	inst, err := New(Config{Enabled: true, MetricExporter: MetricExporterPrometheus})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	inst.Metrics().RecordTokenIssued(ctx)
	inst.Metrics().RecordMetadataFetch(ctx, "success", 12.5)
	inst.Metrics().RecordCodeReuseDetected(ctx)

	if err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return 3 },
		func() int64 { return 2 },
		nil,
	); err != nil {
		t.Fatalf("RegisterStorageSizeCallbacks() error = %v", err)
	}

	handler := inst.MetricsHandler()
	if handler == nil {
		t.Fatal("MetricsHandler() returned nil")
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(w.Body)
	for _, want := range []string{"oauth_token_issued", "oauth_client_metadata_fetch_total", "storage_clients_count"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("first Shutdown() error = %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestSpanHelpers_NilSafe(t *testing.T) {
	// none of these may panic on a nil span
	RecordError(nil, io.EOF)
	SetSpanSuccess(nil)
	SetSpanError(nil, "boom")
	AddOAuthFlowAttributes(nil, "client", "scope")
	AddPKCEAttributes(nil, "S256")
	AddMetadataAttributes(nil, "example.com", "fetch")
	AddStorageAttributes(nil, "get", "memory")
	AddHTTPAttributes(nil, http.MethodGet, "token", 200)
	AddSecurityAttributes(nil, "127.0.0.1")
}
