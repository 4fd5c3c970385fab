package security

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	id1 := GenerateRequestID()
	id2 := GenerateRequestID()

	if len(id1) != 22 {
		t.Errorf("len(GenerateRequestID()) = %d, want 22", len(id1))
	}
	if id1 == id2 {
		t.Error("expected unique request IDs")
	}
	if !requestIDPattern.MatchString(id1) {
		t.Errorf("generated ID %q does not match accepted pattern", id1)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")
	if got := GetRequestID(ctx); got != "req-123" {
		t.Errorf("GetRequestID() = %q, want %q", got, "req-123")
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on empty context = %q, want empty", got)
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	LoggerFromContext(WithRequestID(context.Background(), "req-abc"), logger).Info("hello")
	if !strings.Contains(buf.String(), "request_id=req-abc") {
		t.Errorf("expected request_id attribute, got %q", buf.String())
	}

	buf.Reset()
	LoggerFromContext(context.Background(), logger).Info("hello")
	if strings.Contains(buf.String(), "request_id") {
		t.Errorf("unexpected request_id attribute: %q", buf.String())
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		upstream string
		wantKeep bool
	}{
		{name: "generates when absent", upstream: "", wantKeep: false},
		{name: "keeps valid upstream", upstream: "upstream-id_42", wantKeep: true},
		{name: "rejects header injection", upstream: "id\r\nX-Injected: evil", wantKeep: false},
		{name: "rejects spaces", upstream: "id with spaces", wantKeep: false},
		{name: "rejects markup", upstream: "<script>", wantKeep: false},
		{name: "rejects over 128 chars", upstream: strings.Repeat("a", 129), wantKeep: false},
		{name: "accepts exactly 128 chars", upstream: strings.Repeat("a", 128), wantKeep: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.upstream != "" {
				req.Header.Set(RequestIDHeader, tt.upstream)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if seen == "" {
				t.Fatal("expected request ID in context")
			}
			if got := rec.Header().Get(RequestIDHeader); got != seen {
				t.Errorf("response header = %q, context = %q", got, seen)
			}
			if tt.wantKeep && seen != tt.upstream {
				t.Errorf("request ID = %q, want upstream %q", seen, tt.upstream)
			}
			if !tt.wantKeep && seen == tt.upstream {
				t.Errorf("upstream ID %q should have been replaced", tt.upstream)
			}
		})
	}
}
