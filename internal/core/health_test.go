package core

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTTPProbe(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   bool
	}{
		{"ok", http.StatusOK, true},
		{"redirect", http.StatusMovedPermanently, true},
		{"not found", http.StatusNotFound, false},
		{"bad gateway", http.StatusBadGateway, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodHead, r.Method)
				if tt.status == http.StatusMovedPermanently {
					// answer the redirect target too, so the client stops there
					if r.URL.Path == "/moved" {
						w.WriteHeader(http.StatusOK)
						return
					}
					w.Header().Set("Location", "/moved")
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			probe := NewHTTPProbe(time.Second)
			assert.Equal(t, tt.want, probe.Reachable(context.Background(), srv.URL))
		})
	}
}

func TestHTTPProbeUnreachable(t *testing.T) {
	port, ok := FindAvailablePort(21000)
	if !ok {
		t.Skip("no free port")
	}

	probe := NewHTTPProbe(500 * time.Millisecond)
	assert.False(t, probe.Reachable(context.Background(), fmt.Sprintf("http://127.0.0.1:%d", port)))
	assert.False(t, probe.Reachable(context.Background(), "::not a url"))
}

func TestHTTPProbeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	probe := NewHTTPProbe(50 * time.Millisecond)
	assert.False(t, probe.Reachable(context.Background(), srv.URL))
}
