package types

import (
	"net"
	"strconv"
	"sync/atomic"
)

// Transport is the socket model a backend speaks.
type Transport int32

const (
	TransportUnknown Transport = iota
	TransportStream
	TransportDatagram
)

func (t Transport) String() string {
	switch t {
	case TransportStream:
		return "tcp"
	case TransportDatagram:
		return "udp"
	default:
		return "unknown"
	}
}

// Network returns the net package network name for the transport.
// Unknown transports are dialed as stream.
func (t Transport) Network() string {
	if t == TransportDatagram {
		return "udp"
	}
	return "tcp"
}

// Backend is one configured key-value server.
// Identity is (Address, Port); the transport is set once during detection.
type Backend struct {
	Address string
	Port    int

	transport atomic.Int32
}

// NewBackend creates a backend with an undetected transport.
func NewBackend(address string, port int) *Backend {
	return &Backend{Address: address, Port: port}
}

// HostPort returns the dialable "host:port" form.
func (b *Backend) HostPort() string {
	return net.JoinHostPort(b.Address, strconv.Itoa(b.Port))
}

// Transport returns the detected transport, or TransportUnknown before detection.
func (b *Backend) Transport() Transport {
	return Transport(b.transport.Load())
}

// SetTransport records the detected transport. Only the first call wins;
// it reports whether this call set the value.
func (b *Backend) SetTransport(t Transport) bool {
	if t == TransportUnknown {
		return false
	}
	return b.transport.CompareAndSwap(int32(TransportUnknown), int32(t))
}

// SameAs reports whether two backends share identity.
func (b *Backend) SameAs(o *Backend) bool {
	return o != nil && b.Address == o.Address && b.Port == o.Port
}

func (b *Backend) String() string {
	return b.HostPort() + "/" + b.Transport().String()
}
