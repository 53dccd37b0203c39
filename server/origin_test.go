package main

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestOriginPolicy(t *testing.T) {
	policy := newOriginPolicy([]string{"https://Chat.Example.com", "not a url", ""}, zap.NewNop())

	tests := map[string]struct {
		origin string
		want   bool
	}{
		"native client":    {"", true},
		"allowed":          {"https://chat.example.com", true},
		"case insensitive": {"HTTPS://CHAT.EXAMPLE.COM", true},
		"other host":       {"https://evil.example.com", false},
		"other scheme":     {"http://chat.example.com", false},
		"garbage":          {"::::", false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/chat", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			assert.Equal(t, tc.want, policy.check(req))
		})
	}

	all := newOriginPolicy([]string{"*"}, zap.NewNop())
	req := httptest.NewRequest("GET", "/chat", nil)
	req.Header.Set("Origin", "https://anything.test")
	assert.True(t, all.check(req))
}

func TestClientAddr(t *testing.T) {
	req := httptest.NewRequest("GET", "/chat", nil)
	req.RemoteAddr = "192.0.2.10:51234"
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	req.Header.Set("X-Real-IP", "198.51.100.7")

	assert.Equal(t, "192.0.2.10", clientAddr(req, false))
	assert.Equal(t, "203.0.113.5", clientAddr(req, true))

	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "198.51.100.7", clientAddr(req, true))

	req.Header.Del("X-Real-IP")
	assert.Equal(t, "192.0.2.10", clientAddr(req, true))

	req.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", clientAddr(req, false))
}
