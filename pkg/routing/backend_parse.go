package routing

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/kv-proxy/pkg/logging"
	"github.com/kv-proxy/pkg/types"
)

var (
	// ErrInvalidPort is returned for ports outside 1-65535 or non-numeric ports.
	ErrInvalidPort = errors.New("port must be between 1 and 65535")
	// ErrInvalidAddress is returned for backend entries that are not host:port.
	ErrInvalidAddress = errors.New("invalid backend address")
)

// ParsePort parses a TCP/UDP port in the range 1-65535.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	return port, nil
}

// ParseBackendAddr parses one "host:port" entry.
func ParseBackendAddr(addr string) (BackendConfig, error) {
	addr = strings.TrimSpace(addr)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return BackendConfig{}, fmt.Errorf("%w %q: %v", ErrInvalidAddress, addr, err)
	}
	if host == "" {
		return BackendConfig{}, fmt.Errorf("%w %q: missing host", ErrInvalidAddress, addr)
	}
	p, err := ParsePort(port)
	if err != nil {
		return BackendConfig{}, fmt.Errorf("backend %q: %w", addr, err)
	}
	return BackendConfig{Address: host, Port: p}, nil
}

// ParseBackendAddrString parses a comma-separated list of "host:port" entries.
// Empty items are skipped.
func ParseBackendAddrString(s string) ([]BackendConfig, error) {
	out := make([]BackendConfig, 0)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		bc, err := ParseBackendAddr(part)
		if err != nil {
			return nil, err
		}
		out = append(out, bc)
	}
	return out, nil
}

// Validate checks the address and port of a configured backend.
func (c BackendConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("backend %s: %w: %d", c.Address, ErrInvalidPort, c.Port)
	}
	return nil
}

// HostPort returns the "host:port" form.
func (c BackendConfig) HostPort() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// BuildBackends turns configuration entries into backends, in order.
// Repeated (address, port) pairs are collapsed to the first occurrence.
func BuildBackends(configs []BackendConfig) ([]*types.Backend, error) {
	out := make([]*types.Backend, 0, len(configs))
	seen := make(map[string]struct{}, len(configs))
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		key := c.HostPort()
		if _, ok := seen[key]; ok {
			logging.Warnf("[registry] duplicate backend %s ignored", key)
			continue
		}
		seen[key] = struct{}{}
		out = append(out, types.NewBackend(c.Address, c.Port))
	}
	return out, nil
}
