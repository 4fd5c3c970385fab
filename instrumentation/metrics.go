package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the authorization server
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth Flow Metrics
	AuthorizationStarted metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenIssued          metric.Int64Counter
	TokenValidated       metric.Int64Counter

	// Client Metadata Metrics
	MetadataFetchTotal    metric.Int64Counter
	MetadataFetchDuration metric.Float64Histogram
	MetadataCacheLookups  metric.Int64Counter

	// Security Metrics
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	AuditEventsTotal     metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageSizeClients       metric.Int64ObservableGauge
	StorageSizeCodes         metric.Int64ObservableGauge
	StorageSizeMetadata      metric.Int64ObservableGauge

	// Encryption Metrics
	EncryptionOperationsTotal metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	var err error
	m.HTTPRequestsTotal, err = inst.httpMeter.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = inst.httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.AuthorizationStarted, err = inst.serverMeter.Int64Counter(
		"oauth.authorization.started",
		metric.WithDescription("Number of authorization requests that issued a code"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization.started counter: %w", err)
	}

	m.CodeExchanged, err = inst.serverMeter.Int64Counter(
		"oauth.code.exchanged",
		metric.WithDescription("Number of authorization code exchange attempts"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.exchanged counter: %w", err)
	}

	m.TokenIssued, err = inst.serverMeter.Int64Counter(
		"oauth.token.issued",
		metric.WithDescription("Number of access tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.issued counter: %w", err)
	}

	m.TokenValidated, err = inst.serverMeter.Int64Counter(
		"oauth.token.validated",
		metric.WithDescription("Number of access token verifications"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.validated counter: %w", err)
	}

	m.MetadataFetchTotal, err = inst.serverMeter.Int64Counter(
		"oauth.client_metadata.fetch.total",
		metric.WithDescription("Number of outbound client metadata document fetches"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client_metadata.fetch.total counter: %w", err)
	}

	m.MetadataFetchDuration, err = inst.serverMeter.Float64Histogram(
		"oauth.client_metadata.fetch.duration",
		metric.WithDescription("Client metadata document fetch duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client_metadata.fetch.duration histogram: %w", err)
	}

	m.MetadataCacheLookups, err = inst.serverMeter.Int64Counter(
		"oauth.client_metadata.cache.lookups",
		metric.WithDescription("Client metadata cache lookups by tier and result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client_metadata.cache.lookups counter: %w", err)
	}

	m.RateLimitExceeded, err = inst.securityMeter.Int64Counter(
		"oauth.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.PKCEValidationFailed, err = inst.securityMeter.Int64Counter(
		"oauth.pkce.validation_failed",
		metric.WithDescription("Number of PKCE validation failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pkce.validation_failed counter: %w", err)
	}

	m.CodeReuseDetected, err = inst.securityMeter.Int64Counter(
		"oauth.code.reuse_detected",
		metric.WithDescription("Number of authorization code reuse attempts detected"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.reuse_detected counter: %w", err)
	}

	m.AuditEventsTotal, err = inst.securityMeter.Int64Counter(
		"oauth.audit.events.total",
		metric.WithDescription("Total number of audit events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	m.StorageOperationTotal, err = inst.storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = inst.storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageSizeClients, err = inst.storageMeter.Int64ObservableGauge(
		"storage.clients.count",
		metric.WithDescription("Number of registered clients"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.clients.count gauge: %w", err)
	}

	m.StorageSizeCodes, err = inst.storageMeter.Int64ObservableGauge(
		"storage.codes.count",
		metric.WithDescription("Number of stored authorization codes"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.codes.count gauge: %w", err)
	}

	m.StorageSizeMetadata, err = inst.storageMeter.Int64ObservableGauge(
		"storage.client_metadata.count",
		metric.WithDescription("Number of cached client metadata documents"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.client_metadata.count gauge: %w", err)
	}

	m.EncryptionOperationsTotal, err = inst.securityMeter.Int64Counter(
		"oauth.encryption.operations.total",
		metric.WithDescription("Total number of encryption/decryption operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption.operations.total counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationStarted records an authorization request that issued a code
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientType string) {
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_type", clientType),
	))
}

// RecordCodeExchange records an authorization code exchange attempt
func (m *Metrics) RecordCodeExchange(ctx context.Context, success bool) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordTokenIssued records an issued access token
func (m *Metrics) RecordTokenIssued(ctx context.Context) {
	m.TokenIssued.Add(ctx, 1)
}

// RecordTokenValidation records the outcome of an access token verification
func (m *Metrics) RecordTokenValidation(ctx context.Context, valid bool) {
	m.TokenValidated.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("valid", valid),
	))
}

// RecordMetadataFetch records an outbound client metadata fetch.
// result is one of "success", "transport_error", "http_error", "invalid_document", "cancelled".
func (m *Metrics) RecordMetadataFetch(ctx context.Context, result string, durationMs float64) {
	m.MetadataFetchTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
	m.MetadataFetchDuration.Record(ctx, durationMs)
}

// RecordMetadataCacheLookup records a cache lookup in the "memory" or "durable" tier
func (m *Metrics) RecordMetadataCacheLookup(ctx context.Context, tier string, hit bool) {
	m.MetadataCacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.Bool("hit", hit),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordEncryptionOperation records an encryption or decryption
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string) {
	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
