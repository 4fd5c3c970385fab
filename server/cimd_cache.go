package server

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/mcp-authserver/instrumentation"
	"github.com/giantswarm/mcp-authserver/security"
	"github.com/giantswarm/mcp-authserver/storage"
)

// Cache tiers, as reported in logs, spans and metrics
const (
	metadataSourceMemory  = "memory"
	metadataSourceDurable = "durable"
	metadataSourceFetch   = "fetch"
)

// ClientMetadataCacheConfig configures a ClientMetadataCache
type ClientMetadataCacheConfig struct {
	// FetchTimeout bounds one outbound fetch. Default: 10s
	FetchTimeout time.Duration

	// MaxEntries bounds the in-memory tier; least recently used entries are evicted.
	// Default: 1000
	MaxEntries int

	// FetchPerMinute limits outbound fetches per host. 0 uses the default, negative disables.
	FetchPerMinute int

	// HTTPClient overrides the fetch client. The default client refuses connections to
	// internal addresses and does not follow redirects.
	HTTPClient *http.Client

	// Now overrides the time source
	Now func() time.Time
}

// metadataEntry is an in-memory cache entry
type metadataEntry struct {
	clientID  string
	document  *ClientMetadataDocument
	cachedAt  time.Time
	expiresAt time.Time
}

// ClientMetadataCache resolves client metadata documents through three tiers:
// an in-memory LRU, the durable store, and an HTTPS fetch of the client_id URL.
// Concurrent misses for one client share a single outbound fetch.
type ClientMetadataCache struct {
	store        storage.ClientMetadataStore
	httpClient   *http.Client
	fetchTimeout time.Duration
	maxEntries   int
	now          func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element // of *metadataEntry
	lru     *list.List               // most recently used at front

	fetchGroup       singleflight.Group
	fetchRateLimiter *security.RateLimiter

	logger          *slog.Logger
	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// NewClientMetadataCache creates a cache whose durable tier is store
func NewClientMetadataCache(store storage.ClientMetadataStore, cfg ClientMetadataCacheConfig, logger *slog.Logger) *ClientMetadataCache {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultClientMetadataFetchTimeout
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultClientMetadataCacheSize
	}
	if cfg.FetchPerMinute == 0 {
		cfg.FetchPerMinute = DefaultClientMetadataFetchPerMinute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = newSSRFProtectedClient(cfg.FetchTimeout)
	}

	c := &ClientMetadataCache{
		store:        store,
		httpClient:   cfg.HTTPClient,
		fetchTimeout: cfg.FetchTimeout,
		maxEntries:   cfg.MaxEntries,
		now:          cfg.Now,
		entries:      make(map[string]*list.Element),
		lru:          list.New(),
		logger:       logger,
	}
	if cfg.FetchPerMinute > 0 {
		c.fetchRateLimiter = security.NewPerMinuteRateLimiter(cfg.FetchPerMinute, logger)
	}
	return c
}

// SetAuditor sets the security auditor
func (c *ClientMetadataCache) SetAuditor(aud *security.Auditor) {
	c.auditor = aud
}

// SetInstrumentation enables tracing and metrics
func (c *ClientMetadataCache) SetInstrumentation(inst *instrumentation.Instrumentation) {
	c.instrumentation = inst
	if inst != nil {
		c.tracer = inst.Tracer("cimd")
	}
}

// Stop releases the fetch rate limiter
func (c *ClientMetadataCache) Stop() {
	if c.fetchRateLimiter != nil {
		c.fetchRateLimiter.Stop()
	}
}

// GetClientMetadata returns the validated metadata document for clientIDURL.
//
// ErrClientMetadataUnavailable (possibly wrapped) means the identifier is not an HTTPS
// URL or no valid document could be obtained. Durable store failures and cancellation
// of ctx are returned as-is.
func (c *ClientMetadataCache) GetClientMetadata(ctx context.Context, clientIDURL string) (doc *ClientMetadataDocument, err error) {
	if !isURLClientID(clientIDURL) {
		return nil, ErrClientMetadataUnavailable
	}

	ctx, span := c.startSpan(ctx, "cimd.get_client_metadata", clientIDURL)
	defer func() {
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		span.End()
	}()

	if doc, ok := c.getFromMemory(clientIDURL); ok {
		c.recordLookup(ctx, span, metadataSourceMemory, true)
		return doc, nil
	}
	c.recordLookup(ctx, span, metadataSourceMemory, false)

	doc, err = c.getFromDurable(ctx, clientIDURL)
	if err != nil {
		return nil, err
	}
	if doc != nil {
		c.recordLookup(ctx, span, metadataSourceDurable, true)
		return doc, nil
	}
	c.recordLookup(ctx, span, metadataSourceDurable, false)

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrMetadataSource, metadataSourceFetch))
	return c.fetchShared(ctx, span, clientIDURL)
}

// fetchShared joins or starts the single in-flight fetch for clientIDURL.
// A follower whose leader was cancelled retries once with its own context.
func (c *ClientMetadataCache) fetchShared(ctx context.Context, span trace.Span, clientIDURL string) (*ClientMetadataDocument, error) {
	for attempt := 0; ; attempt++ {
		ch := c.fetchGroup.DoChan(clientIDURL, func() (any, error) {
			return c.fetchAndStore(ctx, clientIDURL)
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrMetadataShared, res.Shared))
			if res.Err != nil {
				if attempt == 0 && res.Shared && isContextError(res.Err) && ctx.Err() == nil {
					continue
				}
				return nil, res.Err
			}
			return cloneDocument(res.Val.(*ClientMetadataDocument)), nil
		}
	}
}

func isContextError(err error) bool {
	if errors.Is(err, ErrClientMetadataUnavailable) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// fetchAndStore fetches, validates and caches a document. It runs once per
// singleflight key with the leader's context.
func (c *ClientMetadataCache) fetchAndStore(ctx context.Context, clientIDURL string) (*ClientMetadataDocument, error) {
	host := hostOf(clientIDURL)

	if c.fetchRateLimiter != nil && !c.fetchRateLimiter.Allow(host) {
		c.logger.Warn("Client metadata fetch rate limited", "host", host)
		c.audit(security.EventClientMetadataRateLimited, clientIDURL, map[string]any{"host": host})
		if c.instrumentation != nil {
			c.instrumentation.Metrics().RecordRateLimitExceeded(ctx, "metadata_fetch")
		}
		return nil, fmt.Errorf("%w: fetch rate limit exceeded for %s", ErrClientMetadataUnavailable, host)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	start := time.Now()
	resp, err := fetchClientMetadataDocument(fetchCtx, c.httpClient, clientIDURL)
	durationMs := float64(time.Since(start).Milliseconds())
	if err != nil {
		// the caller went away; that is not a fetch failure
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.recordFetch(ctx, "error", durationMs)
		eventType := security.EventClientMetadataFetchFailed
		if errors.Is(err, errSSRFBlocked) {
			eventType = security.EventClientMetadataFetchBlocked
		}
		c.logger.Warn("Client metadata fetch failed", "client_id", clientIDURL, "error", err)
		c.audit(eventType, clientIDURL, map[string]any{"error": err.Error()})
		if !errors.Is(err, ErrClientMetadataUnavailable) {
			err = fmt.Errorf("%w: %w", ErrClientMetadataUnavailable, err)
		}
		return nil, err
	}

	doc, err := ParseClientMetadataDocument(resp.document, clientIDURL)
	if err != nil {
		c.recordFetch(ctx, "invalid", durationMs)
		eventType := security.EventClientMetadataInvalid
		details := map[string]any{"error": err.Error()}
		var verr *MetadataValidationError
		if errors.As(err, &verr) && verr.Field == "client_id" {
			eventType = security.EventClientMetadataIDMismatch
			details["severity"] = "high"
		}
		c.logger.Warn("Client metadata document rejected", "client_id", clientIDURL, "error", err)
		c.audit(eventType, clientIDURL, details)
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := c.now()
	ttl := metadataCacheDuration(resp.header, now)
	record := &storage.ClientMetadataRecord{
		ClientID:  clientIDURL,
		Document:  resp.document,
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if err := c.store.SaveClientMetadata(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save client metadata: %w", err)
	}
	c.setInMemory(clientIDURL, doc, now, record.ExpiresAt)

	c.recordFetch(ctx, "success", durationMs)
	c.logger.Info("Fetched client metadata",
		"client_id", clientIDURL,
		"client_name", doc.ClientName,
		"redirect_uris", len(doc.RedirectURIs),
		"ttl_seconds", int64(ttl/time.Second))
	c.audit(security.EventClientMetadataFetched, clientIDURL, map[string]any{
		"client_name":    doc.ClientName,
		"redirect_count": len(doc.RedirectURIs),
		"ttl_seconds":    int64(ttl / time.Second),
	})

	return doc, nil
}

// getFromDurable returns a non-expired document from the durable tier and promotes it
// to memory. (nil, nil) means a miss.
func (c *ClientMetadataCache) getFromDurable(ctx context.Context, clientIDURL string) (*ClientMetadataDocument, error) {
	record, err := c.store.GetClientMetadata(ctx, clientIDURL)
	if err != nil {
		if errors.Is(err, storage.ErrClientMetadataNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load client metadata: %w", err)
	}

	now := c.now()
	if record.IsExpired(now) {
		return nil, nil
	}

	doc, err := ParseClientMetadataDocument(record.Document, clientIDURL)
	if err != nil {
		c.logger.Warn("Discarding invalid cached client metadata", "client_id", clientIDURL, "error", err)
		return nil, nil
	}

	expiresAt := now.Add(DefaultClientMetadataTTL)
	if record.ExpiresAt.Before(expiresAt) {
		expiresAt = record.ExpiresAt
	}
	c.setInMemory(clientIDURL, doc, now, expiresAt)

	return cloneDocument(doc), nil
}

func (c *ClientMetadataCache) getFromMemory(clientID string) (*ClientMetadataDocument, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[clientID]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*metadataEntry)
	if !c.now().Before(entry.expiresAt) {
		c.lru.Remove(elem)
		delete(c.entries, clientID)
		return nil, false
	}
	c.lru.MoveToFront(elem)
	return cloneDocument(entry.document), true
}

func (c *ClientMetadataCache) setInMemory(clientID string, doc *ClientMetadataDocument, cachedAt, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &metadataEntry{
		clientID:  clientID,
		document:  cloneDocument(doc),
		cachedAt:  cachedAt,
		expiresAt: expiresAt,
	}

	if elem, ok := c.entries[clientID]; ok {
		elem.Value = entry
		c.lru.MoveToFront(elem)
		return
	}

	for len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[clientID] = c.lru.PushFront(entry)
}

// evictOldest removes the least recently used entry. Caller holds mu.
func (c *ClientMetadataCache) evictOldest() {
	elem := c.lru.Back()
	if elem == nil {
		return
	}
	c.lru.Remove(elem)
	delete(c.entries, elem.Value.(*metadataEntry).clientID)
}

// ClearMemoryCache drops every in-memory entry. The durable tier is untouched.
func (c *ClientMetadataCache) ClearMemoryCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
}

// Size returns the number of in-memory entries, expired ones included
func (c *ClientMetadataCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CleanupExpired deletes expired durable rows and prunes expired memory entries.
// It returns the number of durable rows removed.
func (c *ClientMetadataCache) CleanupExpired(ctx context.Context) (int, error) {
	now := c.now()

	c.mu.Lock()
	for elem := c.lru.Front(); elem != nil; {
		next := elem.Next()
		entry := elem.Value.(*metadataEntry)
		if !now.Before(entry.expiresAt) {
			c.lru.Remove(elem)
			delete(c.entries, entry.clientID)
		}
		elem = next
	}
	c.mu.Unlock()

	return c.store.DeleteExpiredClientMetadata(ctx, now)
}

func (c *ClientMetadataCache) audit(eventType, clientID string, details map[string]any) {
	if c.auditor == nil {
		return
	}
	c.auditor.LogEvent(security.Event{
		Type:     eventType,
		ClientID: clientID,
		Details:  details,
	})
}

func (c *ClientMetadataCache) startSpan(ctx context.Context, name, clientID string) (context.Context, trace.Span) {
	if c.tracer == nil {
		return ctx, noop.Span{}
	}
	return c.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrMetadataHost, hostOf(clientID)),
	))
}

func (c *ClientMetadataCache) recordLookup(ctx context.Context, span trace.Span, tier string, hit bool) {
	if hit {
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrMetadataSource, tier))
	}
	if c.instrumentation != nil {
		c.instrumentation.Metrics().RecordMetadataCacheLookup(ctx, tier, hit)
	}
}

func (c *ClientMetadataCache) recordFetch(ctx context.Context, result string, durationMs float64) {
	if c.instrumentation != nil {
		c.instrumentation.Metrics().RecordMetadataFetch(ctx, result, durationMs)
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func cloneDocument(doc *ClientMetadataDocument) *ClientMetadataDocument {
	if doc == nil {
		return nil
	}
	cp := *doc
	cp.RedirectURIs = cloneStrings(doc.RedirectURIs)
	cp.GrantTypes = cloneStrings(doc.GrantTypes)
	cp.ResponseTypes = cloneStrings(doc.ResponseTypes)
	return &cp
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
