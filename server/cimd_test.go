package server

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testClientIDURL = "https://app.example.com/oauth/client.json"

func TestIsURLClientID(t *testing.T) {
	tests := []struct {
		name     string
		clientID string
		want     bool
	}{
		{"empty string", "", false},
		{"simple client ID", "my-app-12345", false},
		{"uuid", "6f1c2c1e-3c1a-4c55-9f0a-2b8d1e7c9a10", false},
		{"HTTP URL - not allowed", "http://example.com/client", false},
		{"HTTPS URL with path", "https://example.com/oauth/client-metadata.json", true},
		{"HTTPS URL without path", "https://example.com", true},
		{"HTTPS URL with port", "https://example.com:8443/client", true},
		{"HTTPS without host", "https:///client", false},
		{"invalid URL format", "://invalid", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isURLClientID(tt.clientID); got != tt.want {
				t.Errorf("isURLClientID(%q) = %v, want %v", tt.clientID, got, tt.want)
			}
		})
	}
}

func TestParseClientMetadataDocument(t *testing.T) {
	doc, err := ParseClientMetadataDocument([]byte(`{
		"client_id": "`+testClientIDURL+`",
		"client_name": "Example App",
		"client_uri": "https://app.example.com",
		"redirect_uris": ["https://app.example.com/callback", "http://localhost:3000/cb", "com.example.app:/oauth"],
		"grant_types": ["authorization_code"],
		"response_types": ["code"],
		"token_endpoint_auth_method": "none",
		"scope": "read write",
		"contacts": ["ops@example.com"]
	}`), testClientIDURL)
	require.NoError(t, err)

	assert.Equal(t, testClientIDURL, doc.ClientID)
	assert.Equal(t, "Example App", doc.ClientName)
	assert.Equal(t, "https://app.example.com", doc.ClientURI)
	assert.Len(t, doc.RedirectURIs, 3)
	assert.Equal(t, []string{"authorization_code"}, doc.GrantTypes)
	assert.Equal(t, []string{"code"}, doc.ResponseTypes)
	assert.Equal(t, "none", doc.TokenEndpointAuthMethod)
	assert.Equal(t, "read write", doc.Scope)
}

func TestParseClientMetadataDocument_OptionalFieldsAbsent(t *testing.T) {
	doc, err := ParseClientMetadataDocument([]byte(`{
		"client_id": "`+testClientIDURL+`",
		"redirect_uris": ["https://app.example.com/callback"],
		"client_name": null
	}`), testClientIDURL)
	require.NoError(t, err)

	assert.Empty(t, doc.ClientName)
	assert.Nil(t, doc.GrantTypes, "absent grant_types stays nil so resolution can apply the default")
	assert.Nil(t, doc.ResponseTypes)
}

func TestParseClientMetadataDocument_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"not JSON", `not json`, ""},
		{"JSON array", `[]`, ""},
		{"missing client_id", `{"redirect_uris":["https://a.example/cb"]}`, "client_id"},
		{"client_id mismatch", `{"client_id":"https://evil.example.com/client.json","redirect_uris":["https://a.example/cb"]}`, "client_id"},
		{"client_id trailing slash", `{"client_id":"` + testClientIDURL + `/","redirect_uris":["https://a.example/cb"]}`, "client_id"},
		{"client_id not a string", `{"client_id":42,"redirect_uris":["https://a.example/cb"]}`, "client_id"},
		{"missing redirect_uris", `{"client_id":"` + testClientIDURL + `"}`, "redirect_uris"},
		{"empty redirect_uris", `{"client_id":"` + testClientIDURL + `","redirect_uris":[]}`, "redirect_uris"},
		{"redirect_uris not array", `{"client_id":"` + testClientIDURL + `","redirect_uris":"https://a.example/cb"}`, "redirect_uris"},
		{"redirect_uris mixed types", `{"client_id":"` + testClientIDURL + `","redirect_uris":["https://a.example/cb", 7]}`, "redirect_uris"},
		{"relative redirect URI", `{"client_id":"` + testClientIDURL + `","redirect_uris":["/callback"]}`, "redirect_uris"},
		{"javascript redirect URI", `{"client_id":"` + testClientIDURL + `","redirect_uris":["https://a.example/cb","javascript:alert(1)"]}`, "redirect_uris"},
		{"data redirect URI", `{"client_id":"` + testClientIDURL + `","redirect_uris":["data:text/html,hi"]}`, "redirect_uris"},
		{"redirect URI with fragment", `{"client_id":"` + testClientIDURL + `","redirect_uris":["https://a.example/cb#frag"]}`, "redirect_uris"},
		{"client_name not string", `{"client_id":"` + testClientIDURL + `","redirect_uris":["https://a.example/cb"],"client_name":["x"]}`, "client_name"},
		{"grant_types not array", `{"client_id":"` + testClientIDURL + `","redirect_uris":["https://a.example/cb"],"grant_types":"authorization_code"}`, "grant_types"},
		{"response_types of numbers", `{"client_id":"` + testClientIDURL + `","redirect_uris":["https://a.example/cb"],"response_types":[1]}`, "response_types"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := ParseClientMetadataDocument([]byte(tt.body), testClientIDURL)
			assert.Nil(t, doc)
			require.Error(t, err)

			var verr *MetadataValidationError
			require.True(t, errors.As(err, &verr), "error should be a *MetadataValidationError, got %T", err)
			assert.Equal(t, tt.field, verr.Field)
			assert.ErrorIs(t, err, ErrClientMetadataUnavailable)
		})
	}
}

func TestMetadataCacheDuration(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		header http.Header
		want   time.Duration
	}{
		{"no headers", http.Header{}, 3600 * time.Second},
		{"max-age below minimum", http.Header{"Cache-Control": {"max-age=60"}}, 300 * time.Second},
		{"max-age above maximum", http.Header{"Cache-Control": {"max-age=999999"}}, 86400 * time.Second},
		{"max-age in range", http.Header{"Cache-Control": {"public, max-age=7200"}}, 7200 * time.Second},
		{"max-age zero", http.Header{"Cache-Control": {"max-age=0"}}, 300 * time.Second},
		{"no-cache", http.Header{"Cache-Control": {"no-cache"}}, 300 * time.Second},
		{"no-store wins over max-age", http.Header{"Cache-Control": {"max-age=7200, no-store"}}, 300 * time.Second},
		{"uppercase directives", http.Header{"Cache-Control": {"Max-Age=1800"}}, 1800 * time.Second},
		{"s-maxage ignored", http.Header{"Cache-Control": {"s-maxage=7200"}}, 3600 * time.Second},
		{"invalid max-age falls through", http.Header{"Cache-Control": {"max-age=soon"}}, 3600 * time.Second},
		{"multiple header lines", http.Header{"Cache-Control": {"public", "max-age=900"}}, 900 * time.Second},
		{
			"future Expires",
			http.Header{"Expires": {now.Add(2 * time.Hour).Format(http.TimeFormat)}},
			2 * time.Hour,
		},
		{
			"near Expires clamps up",
			http.Header{"Expires": {now.Add(time.Minute).Format(http.TimeFormat)}},
			300 * time.Second,
		},
		{
			"distant Expires clamps down",
			http.Header{"Expires": {now.Add(30 * 24 * time.Hour).Format(http.TimeFormat)}},
			86400 * time.Second,
		},
		{
			"past Expires uses default",
			http.Header{"Expires": {now.Add(-time.Hour).Format(http.TimeFormat)}},
			3600 * time.Second,
		},
		{"unparseable Expires", http.Header{"Expires": {"0"}}, 3600 * time.Second},
		{
			"max-age takes precedence over Expires",
			http.Header{
				"Cache-Control": {"max-age=600"},
				"Expires":       {now.Add(5 * time.Hour).Format(http.TimeFormat)},
			},
			600 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, metadataCacheDuration(tt.header, now))
		})
	}
}

func TestSSRFDialControl(t *testing.T) {
	tests := []struct {
		address string
		blocked bool
	}{
		{"93.184.216.34:443", false},
		{"[2606:2800:220:1:248:1893:25c8:1946]:443", false},
		{"127.0.0.1:443", true},
		{"[::1]:443", true},
		{"10.1.2.3:443", true},
		{"172.16.0.1:443", true},
		{"192.168.1.1:443", true},
		{"169.254.169.254:80", true},
		{"100.64.0.1:443", true},
		{"0.0.0.0:443", true},
		{"[fd00::1]:443", true},
		{"[::ffff:127.0.0.1]:443", true},
		{"not-an-address", true},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			err := ssrfDialControl("tcp", tt.address, nil)
			if tt.blocked {
				assert.ErrorIs(t, err, errSSRFBlocked)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewSSRFProtectedClient(t *testing.T) {
	client := newSSRFProtectedClient(3 * time.Second)
	assert.Equal(t, 3*time.Second, client.Timeout)

	req, err := http.NewRequest(http.MethodGet, "https://example.com", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, client.CheckRedirect(req, nil), http.ErrUseLastResponse)
}
