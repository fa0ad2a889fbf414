package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/kv-proxy/pkg/logging"
	"github.com/kv-proxy/pkg/protocol"
	"github.com/kv-proxy/pkg/proxy"
	"github.com/kv-proxy/pkg/types"
)

// DatagramListener serves one request per UDP packet on a single shared socket.
type DatagramListener struct {
	addr    string
	handler Handler

	conn *net.UDPConn
}

// NewDatagramListener creates a listener for addr. It does not bind until Listen or Serve.
func NewDatagramListener(addr string, handler Handler) *DatagramListener {
	return &DatagramListener{addr: addr, handler: handler}
}

// Listen binds the socket.
func (l *DatagramListener) Listen() error {
	if l.conn != nil {
		return nil
	}
	udpAddr, err := net.ResolveUDPAddr("udp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to resolve udp %s: %w", l.addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on udp %s: %w", l.addr, err)
	}
	l.conn = conn
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *DatagramListener) Addr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Serve reads packets until ctx is done. The socket stays open until
// in-flight workers have sent their replies.
func (l *DatagramListener) Serve(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		return err
	}
	logging.Logf("[listen] udp addr=%s", l.conn.LocalAddr())

	// Unblock ReadFromUDP without closing the socket workers reply on.
	stop := context.AfterFunc(ctx, func() { _ = l.conn.SetReadDeadline(time.Now()) })
	defer stop()

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		_ = l.conn.Close()
		logging.Logf("[listen] udp addr=%s stopped", l.conn.LocalAddr())
	}()

	workerCtx := context.WithoutCancel(ctx)
	buf := make([]byte, proxy.MaxDatagramSize)
	for {
		n, src, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logging.Warnf("[accept] udp read error: %v", err)
			continue
		}
		payload := strings.TrimSpace(string(buf[:n]))

		wg.Add(1)
		go func() {
			defer wg.Done()
			l.handlePacket(workerCtx, payload, src)
		}()
	}
}

func (l *DatagramListener) handlePacket(ctx context.Context, payload string, src *net.UDPAddr) {
	resp := l.handler.Handle(ctx, types.TransportDatagram, payload)
	if resp == "" {
		return
	}
	// *net.UDPConn is safe for concurrent writers.
	if _, err := l.conn.WriteToUDP([]byte(protocol.FormatLine(resp)), src); err != nil {
		logging.Debugf("[accept] udp write error (remote=%s): %v", src, err)
	}
}
