// Package telemetry provides observability instrumentation for the CARMIN server.
//
// It bundles structured logging (zerolog), tracing (OpenTelemetry) and metrics
// (Prometheus) behind a single Telemetry value that is built once at boot and
// handed to every component constructor.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.NewComponentLogger("supervisor").WithExecutionID(id)
//	logger.Info("execution started")
//
// # Metrics
//
// The Metrics collector tracks execution lifecycle counters (created, started,
// completed by status, killed, reconciled), spawn failures, the number of active
// executions and an execution duration histogram. When metrics are disabled every
// recording method is a no-op, so components never need to nil-check.
//
// # Tracing
//
// Spans are opened around execution creation, play, kill and supervision. The
// exporter is one of stdout, otlp or none.
package telemetry
