package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{name: "shorter than maxLen", input: "short", maxLen: 10, want: "short"},
		{name: "equal to maxLen", input: "exactly10c", maxLen: 10, want: "exactly10c"},
		{name: "longer than maxLen", input: "this-is-a-very-long-code", maxLen: 8, want: "this-is-"},
		{name: "zero", input: "abc", maxLen: 0, want: ""},
		{name: "negative", input: "abc", maxLen: -1, want: ""},
		{name: "empty", input: "", maxLen: 5, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"https://auth.example.com/", "https://auth.example.com"},
		{"https://auth.example.com", "https://auth.example.com"},
		{"https://auth.example.com///", "https://auth.example.com"},
		{"https://auth.example.com/tenant/", "https://auth.example.com/tenant"},
	}

	for _, tt := range tests {
		if got := NormalizeURL(tt.input); got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
