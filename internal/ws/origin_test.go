package ws

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOriginPolicy_Allow(t *testing.T) {
	cases := []struct {
		name    string
		allowed []string
		host    string
		origin  string
		want    bool
	}{
		{"no origin header", []string{"http://localhost:5173"}, "relay:3000", "", true},
		{"listed origin", []string{"http://localhost:5173"}, "relay:3000", "http://localhost:5173", true},
		{"case and trailing path ignored", []string{"HTTP://LocalHost:5173/"}, "relay:3000", "http://localhost:5173", true},
		{"same host", nil, "relay:3000", "https://relay:3000", true},
		{"wildcard", []string{"*"}, "relay:3000", "http://anything.example", true},
		{"port matters", []string{"http://localhost:5173"}, "relay:3000", "http://localhost:8080", false},
		{"foreign origin", []string{"http://localhost:5173"}, "relay:3000", "http://evil.example", false},
		{"malformed origin", []string{"http://localhost:5173"}, "relay:3000", "not a url", false},
		{"invalid config entry skipped", []string{"localhost"}, "relay:3000", "http://localhost", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewOriginPolicy(tc.allowed)
			r := httptest.NewRequest("GET", "http://"+tc.host+"/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			require.Equal(t, tc.want, p.Allow(r))
		})
	}
}
