package core

import (
	"context"
	"fmt"
	"net"
	"time"
)

// portProbeTimeout bounds a single availability check
const portProbeTimeout = 2 * time.Second

// IsPortAvailable reports whether a TCP listener can be bound on 127.0.0.1:port. Any bind
// failure, including address-in-use and permission errors, counts as unavailable.
func IsPortAvailable(port int) bool {
	if port < 1 || port > 65535 {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), portProbeTimeout)
	defer cancel()

	result := make(chan bool, 1)
	go func() {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			result <- false
			return
		}
		ln.Close()
		result <- true
	}()

	select {
	case ok := <-result:
		return ok
	case <-ctx.Done():
		return false
	}
}

// FindAvailablePort scans upward from start and returns the first bindable port
func FindAvailablePort(start int) (int, bool) {
	if start < 1 {
		start = 1
	}
	for port := start; port <= 65535; port++ {
		if IsPortAvailable(port) {
			return port, true
		}
	}
	return 0, false
}

// ResolvePort returns requested when it is free. Otherwise the first free port above it is
// offered through accept; a nil accept takes the alternative without asking.
func ResolvePort(requested int, accept func(alternative int) bool) (int, error) {
	if requested < 1 || requested > 65535 {
		return 0, &ConfigError{Field: "port", Reason: fmt.Sprintf("%d is outside 1-65535", requested)}
	}
	if IsPortAvailable(requested) {
		return requested, nil
	}

	alt, ok := FindAvailablePort(requested + 1)
	if !ok {
		return 0, &ConfigError{Field: "port", Reason: fmt.Sprintf("%d is in use and no free port was found above it", requested)}
	}
	if accept != nil && !accept(alt) {
		return 0, &ConfigError{Field: "port", Reason: fmt.Sprintf("%d is in use", requested)}
	}

	Info("Port %d is in use, using %d instead", requested, alt)
	return alt, nil
}
