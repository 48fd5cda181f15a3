package activation

import (
	"fmt"
	"net"

	"github.com/coreos/go-systemd/v22/activation"
)

// Listeners returns the systemd-activated listeners keyed by their
// FileDescriptorName= (LISTEN_FDNAMES). Returns an empty map if no socket
// activation is detected or if the activation is not for this process.
// The activation environment is unset so child processes don't inherit it.
func Listeners() (map[string]net.Listener, error) {
	named, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to read activated sockets: %w", err)
	}
	return single(named)
}

// single requires every name to carry exactly one listener.
func single(named map[string][]net.Listener) (map[string]net.Listener, error) {
	listeners := make(map[string]net.Listener, len(named))
	for name, ls := range named {
		if len(ls) != 1 {
			for _, l := range ls {
				_ = l.Close()
			}
			for _, l := range listeners {
				_ = l.Close()
			}
			return nil, fmt.Errorf("socket name %q is used by %d activated sockets", name, len(ls))
		}
		listeners[name] = ls[0]
	}
	return listeners, nil
}
