// Package instrumentation provides OpenTelemetry instrumentation for the authorization server.
//
// Metrics and traces are created from a single Instrumentation value that is built once at
// startup and handed to the server, the HTTP handler and the storage backends:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "mcp-authserver",
//		ServiceVersion: version,
//		Enabled:        true,
//		MetricExporter: instrumentation.MetricExporterPrometheus,
//	})
//	if err != nil {
//		return err
//	}
//	defer func() { _ = inst.Shutdown(context.Background()) }()
//
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// When Enabled is false every provider is a no-op and recording costs nothing.
//
// Meter and tracer names are scoped by layer: http, server, storage, security.
package instrumentation
