package core

import (
	"context"
	"net"
	"net/http"
	"time"
)

// EventRecorder receives lifecycle events such as tunnel_started or process_killed
type EventRecorder interface {
	Record(event string, details map[string]interface{})
}

// NetworkProbe checks whether a public URL answers
type NetworkProbe interface {
	Reachable(ctx context.Context, url string) bool
}

// HTTPProbe sends a HEAD request and accepts any status below 400
type HTTPProbe struct {
	client *http.Client
}

// NewHTTPProbe creates a probe with the given per-request timeout
func NewHTTPProbe(timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProbe{client: &http.Client{Timeout: timeout}}
}

// Reachable implements NetworkProbe
func (p *HTTPProbe) Reachable(ctx context.Context, url string) bool {
	ok, err := httpHealthy(ctx, p.client, http.MethodHead, url)
	if err != nil {
		Debug("Health probe of %s failed: %v", url, err)
		return false
	}
	return ok
}

// CheckInternet reports whether an outbound TCP connection can be made
func CheckInternet(ctx context.Context, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	for _, addr := range []string{"1.1.1.1:80", "8.8.8.8:53"} {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return true
		}
	}
	return false
}

// LocalIP returns the address of the interface used for outbound traffic, or "" if offline
func LocalIP() string {
	// UDP dial sends nothing; it only selects a route
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}
