package anvil

import (
	"fmt"
	"net"

	ethereum "github.com/2703roy/linera-protocol/linera-ethereum"
)

// FreePort asks the OS for a TCP port that is currently unbound on the
// loopback interface. The probe listener is closed before returning, so the
// port is free but not reserved.
func FreePort() (int, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(DefaultHost, "0"))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ethereum.ErrPortUnavailable, err)
	}
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok || addr.Port == 0 {
		return 0, fmt.Errorf("%w: unexpected listener address %s", ethereum.ErrPortUnavailable, listener.Addr())
	}

	return addr.Port, nil
}
