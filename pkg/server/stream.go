package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/kv-proxy/pkg/logging"
	"github.com/kv-proxy/pkg/protocol"
	"github.com/kv-proxy/pkg/types"
)

// DefaultDrainTimeout bounds how long Serve waits for open connections after stop.
const DefaultDrainTimeout = time.Second

// StreamListener serves one request per TCP connection.
type StreamListener struct {
	addr    string
	handler Handler

	// DrainTimeout is how long in-flight connections may run after stop
	// before they are closed.
	DrainTimeout time.Duration

	listener net.Listener
	eof      eofThrottle

	connsLock sync.Mutex
	conns     map[net.Conn]struct{}
}

// NewStreamListener creates a listener for addr. It does not bind until Listen or Serve.
func NewStreamListener(addr string, handler Handler) *StreamListener {
	return &StreamListener{
		addr:         addr,
		handler:      handler,
		DrainTimeout: DefaultDrainTimeout,
		conns:        make(map[net.Conn]struct{}),
	}
}

// Listen binds the socket.
func (l *StreamListener) Listen() error {
	if l.listener != nil {
		return nil
	}
	listener, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on tcp %s: %w", l.addr, err)
	}
	l.listener = listener
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *StreamListener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Serve accepts connections until ctx is done, then waits for in-flight requests.
func (l *StreamListener) Serve(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		return err
	}
	logging.Logf("[listen] tcp addr=%s", l.listener.Addr())

	stop := context.AfterFunc(ctx, func() { _ = l.listener.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer l.drain(&wg)

	// Workers must finish what they started even after stop.
	workerCtx := context.WithoutCancel(ctx)
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logging.Logf("[listen] tcp addr=%s stopped", l.listener.Addr())
				return nil
			}
			logging.Warnf("[accept] tcp accept error: %v", err)
			continue
		}

		l.track(conn)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer l.untrack(conn)
			l.handleConnection(workerCtx, conn)
		}()
	}
}

func (l *StreamListener) track(conn net.Conn) {
	l.connsLock.Lock()
	defer l.connsLock.Unlock()
	l.conns[conn] = struct{}{}
}

func (l *StreamListener) untrack(conn net.Conn) {
	l.connsLock.Lock()
	defer l.connsLock.Unlock()
	delete(l.conns, conn)
}

// drain waits for workers up to DrainTimeout, then closes the connections
// still open (typically idle clients blocked in read) and waits again.
func (l *StreamListener) drain(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(l.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}

	l.connsLock.Lock()
	n := len(l.conns)
	for conn := range l.conns {
		_ = conn.Close()
	}
	l.connsLock.Unlock()
	logging.Logf("[listen] tcp closed %d open connection(s) after %s drain", n, l.DrainTimeout)

	<-done
}

func (l *StreamListener) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	// Client reads are unbounded.
	line, err := bufio.NewReader(conn).ReadString(protocol.Delimiter)
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		if errors.Is(err, io.EOF) {
			l.eof.log(remote)
		} else {
			logging.Warnf("[accept] tcp read error (remote=%s): %v", remote, err)
		}
		return
	}

	resp := l.handler.Handle(ctx, types.TransportStream, protocol.TrimLine(line))
	if resp == "" {
		return
	}
	if _, err := conn.Write([]byte(protocol.FormatLine(resp))); err != nil {
		logging.Debugf("[accept] tcp write error (remote=%s): %v", remote, err)
	}
}
