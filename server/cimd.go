package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/giantswarm/mcp-authserver/internal/util"
)

// Client metadata cache durations
const (
	MinClientMetadataTTL     = 300 * time.Second
	MaxClientMetadataTTL     = 86400 * time.Second
	DefaultClientMetadataTTL = 3600 * time.Second

	maxMetadataDocumentSize = 1 << 20 // 1 MiB
	metadataUserAgent       = "mcp-authserver"
)

// ErrClientMetadataUnavailable is returned when a client metadata document cannot be
// obtained or does not validate. Negative results are never cached.
var ErrClientMetadataUnavailable = errors.New("client metadata unavailable")

// ClientMetadataDocument is a validated OAuth client metadata document served at the
// URL that is the client's identifier (draft-ietf-oauth-client-id-metadata-document).
// Values of this type only come out of ParseClientMetadataDocument.
type ClientMetadataDocument struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	LogoURI                 string   `json:"logo_uri,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// MetadataValidationError describes why a metadata document was rejected
type MetadataValidationError struct {
	Field  string
	Reason string
}

func (e *MetadataValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid client metadata: %s", e.Reason)
	}
	return fmt.Sprintf("invalid client metadata: %s: %s", e.Field, e.Reason)
}

// Unwrap makes errors.Is(err, ErrClientMetadataUnavailable) hold for validation failures
func (e *MetadataValidationError) Unwrap() error {
	return ErrClientMetadataUnavailable
}

// ParseClientMetadataDocument strictly decodes data and validates it as the document
// for expectedClientID. Either a fully validated document or a *MetadataValidationError
// is returned.
func ParseClientMetadataDocument(data []byte, expectedClientID string) (*ClientMetadataDocument, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &MetadataValidationError{Reason: "document is not a JSON object"}
	}

	doc := &ClientMetadataDocument{}

	clientID, present, err := stringField(raw, "client_id")
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, &MetadataValidationError{Field: "client_id", Reason: "is required"}
	}
	if clientID != expectedClientID {
		return nil, &MetadataValidationError{
			Field:  "client_id",
			Reason: fmt.Sprintf("%q does not match the document URL %q", clientID, expectedClientID),
		}
	}
	doc.ClientID = clientID

	redirectURIs, present, err := stringArrayField(raw, "redirect_uris")
	if err != nil {
		return nil, err
	}
	if !present || len(redirectURIs) == 0 {
		return nil, &MetadataValidationError{Field: "redirect_uris", Reason: "must be a non-empty array"}
	}
	for _, uri := range redirectURIs {
		if !isAbsoluteURI(uri) {
			return nil, &MetadataValidationError{
				Field:  "redirect_uris",
				Reason: fmt.Sprintf("%q is not an absolute URI", uri),
			}
		}
		if err := validateRedirectURI(uri); err != nil {
			return nil, &MetadataValidationError{Field: "redirect_uris", Reason: err.Error()}
		}
	}
	doc.RedirectURIs = redirectURIs

	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"client_name", &doc.ClientName},
		{"client_uri", &doc.ClientURI},
		{"logo_uri", &doc.LogoURI},
		{"token_endpoint_auth_method", &doc.TokenEndpointAuthMethod},
		{"scope", &doc.Scope},
	} {
		v, _, err := stringField(raw, f.name)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}

	if doc.GrantTypes, _, err = stringArrayField(raw, "grant_types"); err != nil {
		return nil, err
	}
	if doc.ResponseTypes, _, err = stringArrayField(raw, "response_types"); err != nil {
		return nil, err
	}

	return doc, nil
}

// stringField decodes an optional string member. JSON null counts as absent.
func stringField(raw map[string]json.RawMessage, name string) (string, bool, error) {
	msg, ok := raw[name]
	if !ok || isJSONNull(msg) {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(msg, &s); err != nil {
		return "", false, &MetadataValidationError{Field: name, Reason: "must be a string"}
	}
	return s, true, nil
}

// stringArrayField decodes an optional array-of-strings member. JSON null counts as absent.
func stringArrayField(raw map[string]json.RawMessage, name string) ([]string, bool, error) {
	msg, ok := raw[name]
	if !ok || isJSONNull(msg) {
		return nil, false, nil
	}
	var values []string
	if err := json.Unmarshal(msg, &values); err != nil {
		return nil, false, &MetadataValidationError{Field: name, Reason: "must be an array of strings"}
	}
	if values == nil {
		values = []string{}
	}
	return values, true, nil
}

func isJSONNull(msg json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(msg), []byte("null"))
}

// isAbsoluteURI reports whether s parses as a URI with a scheme
func isAbsoluteURI(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.IsAbs() && (u.Host != "" || u.Opaque != "" || u.Path != "")
}

// isURLClientID reports whether clientID is an absolute HTTPS URL with a host.
// Only such identifiers are resolved through client metadata documents.
func isURLClientID(clientID string) bool {
	if clientID == "" {
		return false
	}
	u, err := url.Parse(clientID)
	if err != nil {
		return false
	}
	return u.Scheme == "https" && u.Host != ""
}

// clientMetadataResponse is the raw outcome of a successful fetch
type clientMetadataResponse struct {
	document []byte
	header   http.Header
	status   int
}

// metadataFetchError carries the HTTP status of a failed fetch for logging and audit
type metadataFetchError struct {
	status int
	reason string
}

func (e *metadataFetchError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("metadata fetch failed (HTTP %d): %s", e.status, e.reason)
	}
	return "metadata fetch failed: " + e.reason
}

func (e *metadataFetchError) Unwrap() error {
	return ErrClientMetadataUnavailable
}

// fetchClientMetadataDocument issues the HTTPS GET for clientIDURL and enforces the
// status and content type requirements. The body is returned unparsed.
func fetchClientMetadataDocument(ctx context.Context, client *http.Client, clientIDURL string) (*clientMetadataResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, clientIDURL, nil)
	if err != nil {
		return nil, &metadataFetchError{reason: fmt.Sprintf("failed to create request: %v", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", metadataUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClientMetadataUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &metadataFetchError{status: resp.StatusCode, reason: "non-2xx status"}
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "application/json") {
		mediaType, _, _ := mime.ParseMediaType(contentType)
		return nil, &metadataFetchError{
			status: resp.StatusCode,
			reason: fmt.Sprintf("content type must be application/json, got %q", mediaType),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read body: %w", ErrClientMetadataUnavailable, err)
	}
	if len(body) > maxMetadataDocumentSize {
		return nil, &metadataFetchError{status: resp.StatusCode, reason: "document exceeds 1 MiB"}
	}

	return &clientMetadataResponse{
		document: body,
		header:   resp.Header,
		status:   resp.StatusCode,
	}, nil
}

// metadataCacheDuration derives how long a fetched document may be cached from the
// response headers, clamped to [MinClientMetadataTTL, MaxClientMetadataTTL].
func metadataCacheDuration(header http.Header, now time.Time) time.Duration {
	cacheControl := strings.ToLower(strings.Join(header.Values("Cache-Control"), ","))
	if cacheControl != "" {
		var maxAge time.Duration
		hasMaxAge := false
		for _, directive := range strings.Split(cacheControl, ",") {
			directive = strings.TrimSpace(directive)
			switch {
			case directive == "no-store", directive == "no-cache":
				return MinClientMetadataTTL
			case strings.HasPrefix(directive, "max-age="):
				seconds, err := strconv.ParseInt(strings.Trim(directive[len("max-age="):], `"`), 10, 64)
				if err == nil && seconds >= 0 && !hasMaxAge {
					maxAge = time.Duration(seconds) * time.Second
					hasMaxAge = true
				}
			}
		}
		if hasMaxAge {
			return clampMetadataTTL(maxAge)
		}
	}

	if expires := header.Get("Expires"); expires != "" {
		if t, err := http.ParseTime(expires); err == nil && t.After(now) {
			return clampMetadataTTL(t.Sub(now).Truncate(time.Second))
		}
	}

	return DefaultClientMetadataTTL
}

func clampMetadataTTL(d time.Duration) time.Duration {
	if d < MinClientMetadataTTL {
		return MinClientMetadataTTL
	}
	if d > MaxClientMetadataTTL {
		return MaxClientMetadataTTL
	}
	return d
}

// newSSRFProtectedClient returns the HTTP client used for metadata fetches.
// Connections to loopback, private, link-local and unspecified addresses are refused
// after DNS resolution, so rebinding a public name to an internal address does not help.
// Redirects are not followed.
func newSSRFProtectedClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
		Control:   ssrfDialControl,
	}

	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// errSSRFBlocked is returned by the dialer for internal destinations
var errSSRFBlocked = errors.New("destination address is not publicly routable")

func ssrfDialControl(network, address string, _ syscall.RawConn) error {
	addrPort, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", errSSRFBlocked, address)
	}
	if util.IsPrivateOrInternal(addrPort.Addr()) {
		return fmt.Errorf("%w: %s (%s)", errSSRFBlocked, addrPort.Addr(), util.ClassifyIP(addrPort.Addr()))
	}
	return nil
}
