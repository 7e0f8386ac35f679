package server

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freeBase reserves and releases an ephemeral port so tests can scan a
// window that does not collide with the default base port.
func freeBase(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestFindFreePortReturnsBoundListener(t *testing.T) {
	base := freeBase(t)

	listener, port, err := FindFreePort("127.0.0.1", base, 50)
	require.NoError(t, err)
	defer listener.Close()

	assert.GreaterOrEqual(t, port, base)
	assert.Less(t, port, base+50)
	assert.Equal(t, port, listener.Addr().(*net.TCPAddr).Port)
}

func TestFindFreePortSkipsOccupiedPorts(t *testing.T) {
	base := freeBase(t)

	occupied, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(base)))
	require.NoError(t, err)
	defer occupied.Close()

	listener, port, err := FindFreePort("127.0.0.1", base, 50)
	require.NoError(t, err)
	defer listener.Close()

	assert.Greater(t, port, base)
	assert.Less(t, port, base+50)
}

func TestFindFreePortExhaustsWindow(t *testing.T) {
	base := freeBase(t)

	occupied, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(base)))
	require.NoError(t, err)
	defer occupied.Close()

	_, _, err = FindFreePort("127.0.0.1", base, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no free port")
}
