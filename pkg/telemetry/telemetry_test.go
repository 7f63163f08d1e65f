package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "production", mutate: func(c *Config) { *c = *ProductionConfig() }},
		{name: "empty service", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "zipkin"
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "debug").
		NewComponentLogger("kill").
		WithExecutionID("exec-1").
		WithPID(77)

	logger.Info("terminating")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to decode log line %q: %v", buf.String(), err)
	}

	if entry["component"] != "kill" {
		t.Errorf("component = %v, want kill", entry["component"])
	}
	if entry["execution_id"] != "exec-1" {
		t.Errorf("execution_id = %v, want exec-1", entry["execution_id"])
	}
	if entry["pid"] != float64(77) {
		t.Errorf("pid = %v, want 77", entry["pid"])
	}
	if entry["message"] != "terminating" {
		t.Errorf("message = %v, want terminating", entry["message"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "warn")

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered, got %q", buf.String())
	}

	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("expected warn message, got %q", buf.String())
	}
}

func TestFromContextFallback(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext() returned nil for empty context")
	}

	logger := NewNopLogger()
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("FromContext() did not return the stored logger")
	}
}

func TestDisabledMetricsAreNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordExecutionCreated("template")
	m.RecordExecutionStarted("template")
	m.RecordExecutionCompleted("Finished", time.Second)
	m.RecordKill("killed")
	m.RecordReconciled("orphan")
	m.RecordSpawnFailure("template")
	m.RecordTimeout()
	m.SetQueuedExecutions(3)
	m.RecordError("validation", "110")

	if m.Registry() != nil {
		t.Error("disabled metrics should not have a registry")
	}
	if err := m.StartMetricsServer(nil); err != nil {
		t.Errorf("StartMetricsServer() error = %v", err)
	}
}

func TestMetricsHandler(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true

	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordExecutionCreated("boutiques")
	m.RecordExecutionStarted("boutiques")
	m.RecordExecutionCompleted("Killed", 2*time.Second)
	m.RecordKill("killed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`carmin_executions_created_total{descriptor_type="boutiques"} 1`,
		`carmin_executions_completed_total{status="Killed"} 1`,
		`carmin_kills_total{outcome="killed"} 1`,
		`carmin_active_executions 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestStartOperation(t *testing.T) {
	tel := NewNopTelemetry()

	ctx, span, logger := tel.StartOperation(context.Background(), "execution.kill")
	defer span.End()

	if ctx == nil || logger == nil {
		t.Fatal("StartOperation() returned nil values")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
