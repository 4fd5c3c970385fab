package oauth

import (
	"net/http"
	"testing"
)

func TestOAuthError_Error(t *testing.T) {
	tests := []struct {
		name        string
		code        string
		description string
		want        string
	}{
		{
			name:        "simple error",
			code:        "invalid_request",
			description: "Missing required parameter",
			want:        "invalid_request: Missing required parameter",
		},
		{
			name:        "error with empty description",
			code:        "server_error",
			description: "",
			want:        "server_error: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &OAuthError{
				Code:        tt.code,
				Description: tt.description,
			}
			if got := e.Error(); got != tt.want {
				t.Errorf("OAuthError.Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *OAuthError
		wantCode   string
		wantStatus int
	}{
		{"invalid request", ErrInvalidRequest("x"), "invalid_request", http.StatusBadRequest},
		{"invalid grant", ErrInvalidGrant("x"), "invalid_grant", http.StatusBadRequest},
		{"invalid token", ErrInvalidToken("x"), "invalid_token", http.StatusUnauthorized},
		{"unsupported grant type", ErrUnsupportedGrantType("x"), "unsupported_grant_type", http.StatusBadRequest},
		{"server error", ErrServerError("x"), "server_error", http.StatusInternalServerError},
		{"rate limit", ErrRateLimitExceeded("x"), "rate_limit_exceeded", http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
			if tt.err.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.wantStatus)
			}
			if tt.err.Description != "x" {
				t.Errorf("Description = %q, want %q", tt.err.Description, "x")
			}
		})
	}
}

func TestFormatWWWAuthenticate(t *testing.T) {
	tests := []struct {
		name string
		code string
		desc string
		want string
	}{
		{"bare", "", "", "Bearer"},
		{"code only", "invalid_token", "", `Bearer error="invalid_token"`},
		{"code and description", "invalid_token", "Token expired", `Bearer error="invalid_token", error_description="Token expired"`},
		{"quotes escaped", "invalid_token", `bad "token"`, `Bearer error="invalid_token", error_description="bad \"token\""`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatWWWAuthenticate(tt.code, tt.desc); got != tt.want {
				t.Errorf("formatWWWAuthenticate() = %q, want %q", got, tt.want)
			}
		})
	}
}
