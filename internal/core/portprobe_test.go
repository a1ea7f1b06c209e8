package core

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listenLoopback occupies a free loopback port for the duration of the test
func listenLoopback(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

func TestIsPortAvailable(t *testing.T) {
	busy := listenLoopback(t)
	assert.False(t, IsPortAvailable(busy), "bound port must be unavailable")

	// a port freed right after binding is available again
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	free := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	assert.True(t, IsPortAvailable(free))
}

func TestIsPortAvailableOutOfRange(t *testing.T) {
	for _, port := range []int{-1, 0, 65536, 100000} {
		assert.False(t, IsPortAvailable(port), "port %d", port)
	}
}

func TestFindAvailablePort(t *testing.T) {
	busy := listenLoopback(t)

	port, ok := FindAvailablePort(busy)
	require.True(t, ok)
	assert.Greater(t, port, busy)

	// the returned port can really be bound
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	ln.Close()
}

func TestResolvePort(t *testing.T) {
	t.Run("free port is kept", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		free := ln.Addr().(*net.TCPAddr).Port
		ln.Close()

		port, err := ResolvePort(free, func(int) bool {
			t.Fatal("accept must not be asked for a free port")
			return false
		})
		require.NoError(t, err)
		assert.Equal(t, free, port)
	})

	t.Run("busy port offers the next free one", func(t *testing.T) {
		busy := listenLoopback(t)

		var offered int
		port, err := ResolvePort(busy, func(alt int) bool {
			offered = alt
			return true
		})
		require.NoError(t, err)
		assert.Equal(t, offered, port)
		assert.Greater(t, port, busy)
	})

	t.Run("declined alternative", func(t *testing.T) {
		busy := listenLoopback(t)

		_, err := ResolvePort(busy, func(int) bool { return false })
		require.Error(t, err)
		assert.True(t, IsConfigError(err))
	})

	t.Run("nil accept takes the alternative", func(t *testing.T) {
		busy := listenLoopback(t)

		port, err := ResolvePort(busy, nil)
		require.NoError(t, err)
		assert.Greater(t, port, busy)
	})

	t.Run("8888 busy offers 8889", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:8888")
		if err != nil {
			t.Skip("port 8888 not available on this machine")
		}
		defer ln.Close()
		if !IsPortAvailable(8889) {
			t.Skip("port 8889 not available on this machine")
		}

		port, err := ResolvePort(8888, func(alt int) bool { return alt == 8889 })
		require.NoError(t, err)
		assert.Equal(t, 8889, port)
	})

	t.Run("out of range", func(t *testing.T) {
		_, err := ResolvePort(70000, nil)
		assert.True(t, IsConfigError(err))
	})
}
