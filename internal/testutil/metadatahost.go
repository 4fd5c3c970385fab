package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// metadataResponse is a canned response served by MetadataHost
type metadataResponse struct {
	status int
	header http.Header
	body   []byte
}

// MetadataHost is a TLS server hosting client metadata documents by path.
// Its URLs are https URLs and can be used directly as client IDs.
type MetadataHost struct {
	Server *httptest.Server

	mu        sync.Mutex
	responses map[string]metadataResponse
	requests  map[string]int
	delay     time.Duration
}

// NewMetadataHost starts a metadata host that is closed when the test ends
func NewMetadataHost(t *testing.T) *MetadataHost {
	t.Helper()

	h := &MetadataHost{
		responses: make(map[string]metadataResponse),
		requests:  make(map[string]int),
	}
	h.Server = httptest.NewTLSServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.Server.Close)
	return h
}

func (h *MetadataHost) serve(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.requests[r.URL.Path]++
	resp, ok := h.responses[r.URL.Path]
	delay := h.delay
	h.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if !ok {
		http.NotFound(w, r)
		return
	}
	for key, values := range resp.header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.status)
	_, _ = w.Write(resp.body)
}

// URL returns the absolute https URL of path on this host
func (h *MetadataHost) URL(path string) string {
	return h.Server.URL + path
}

// Client returns an HTTP client trusting the host's certificate that does not follow redirects
func (h *MetadataHost) Client() *http.Client {
	client := h.Server.Client()
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return client
}

// SetDocument serves doc as JSON at path with a 200 status. Extra headers such as
// Cache-Control may be given in header.
func (h *MetadataHost) SetDocument(path string, doc any, header http.Header) {
	body, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	if header == nil {
		header = http.Header{}
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}
	h.SetResponse(path, http.StatusOK, header, body)
}

// SetResponse serves an arbitrary response at path
func (h *MetadataHost) SetResponse(path string, status int, header http.Header, body []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responses[path] = metadataResponse{status: status, header: header.Clone(), body: body}
}

// SetDelay makes every response wait d before being written
func (h *MetadataHost) SetDelay(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delay = d
}

// Requests returns how many requests were made for path
func (h *MetadataHost) Requests(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests[path]
}

// MetadataDocument returns a minimal valid client metadata document for clientID
func MetadataDocument(clientID string, redirectURIs ...string) map[string]any {
	if len(redirectURIs) == 0 {
		redirectURIs = []string{"http://localhost:3000/callback"}
	}
	return map[string]any{
		"client_id":     clientID,
		"client_name":   "Test Metadata Client",
		"redirect_uris": redirectURIs,
	}
}
