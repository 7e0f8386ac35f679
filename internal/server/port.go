package server

import (
	"fmt"
	"net"
)

const (
	// DefaultBasePort is the first port probed when none is configured
	DefaultBasePort = 8123
	// DefaultPortWindow is how many consecutive ports are probed before
	// giving up
	DefaultPortWindow = 1000
)

// FindFreePort scans upward from base within window for a free TCP port on
// host and returns a listener bound to it. Exhausting the window is fatal to
// startup, so it is returned as an error rather than retried.
func FindFreePort(host string, base, window int) (net.Listener, int, error) {
	if base <= 0 {
		base = DefaultBasePort
	}
	if window <= 0 {
		window = DefaultPortWindow
	}

	for port := base; port < base+window; port++ {
		listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
		if err != nil {
			continue
		}
		return listener, port, nil
	}
	return nil, 0, fmt.Errorf("no free port found in range %d-%d on %s", base, base+window-1, host)
}
