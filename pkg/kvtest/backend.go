// Package kvtest provides in-process key-value backends on loopback sockets
// for exercising discovery, detection and forwarding in tests.
package kvtest

import (
	"bufio"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kv-proxy/pkg/protocol"
	"github.com/kv-proxy/pkg/types"
)

// Option configures a Server.
type Option func(*Server)

// WithNamesReply makes GET NAMES answer with reply verbatim.
func WithNamesReply(reply string) Option {
	return func(s *Server) { s.namesReply = reply }
}

// WithSilence makes the server read requests but never answer.
func WithSilence() Option {
	return func(s *Server) { s.silent = true }
}

// WithBlankReplies makes GET VALUE and SET answer with an empty line.
func WithBlankReplies() Option {
	return func(s *Server) { s.blank = true }
}

// Server is a minimal backend speaking the line protocol over one transport.
// GET VALUE answers "OK <value>" or "NA"; SET stores and answers "OK";
// QUIT is recorded and not answered.
type Server struct {
	Transport types.Transport
	Addr      string

	namesReply string
	silent     bool
	blank      bool

	mu       sync.Mutex
	values   map[string]string
	received []string
	notify   chan struct{}

	ln     net.Listener
	pc     net.PacketConn
	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

func newServer(t types.Transport, values map[string]string, opts ...Option) *Server {
	s := &Server{
		Transport: t,
		values:    make(map[string]string, len(values)),
		notify:    make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	for k, v := range values {
		s.values[k] = v
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewStream starts a TCP backend on 127.0.0.1 and closes it at test cleanup.
func NewStream(tb testing.TB, values map[string]string, opts ...Option) *Server {
	tb.Helper()
	s := newServer(types.TransportStream, values, opts...)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("kvtest: listen tcp: %v", err)
	}
	s.ln = ln
	s.Addr = ln.Addr().String()

	s.wg.Add(1)
	go s.serveStream()
	tb.Cleanup(s.Close)
	return s
}

// NewDatagram starts a UDP backend on 127.0.0.1 and closes it at test cleanup.
func NewDatagram(tb testing.TB, values map[string]string, opts ...Option) *Server {
	tb.Helper()
	s := newServer(types.TransportDatagram, values, opts...)
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("kvtest: listen udp: %v", err)
	}
	s.pc = pc
	s.Addr = pc.LocalAddr().String()

	s.wg.Add(1)
	go s.serveDatagram()
	tb.Cleanup(s.Close)
	return s
}

// Backend returns a fresh, undetected backend pointing at this server.
func (s *Server) Backend() *types.Backend {
	host, port, _ := net.SplitHostPort(s.Addr)
	p, _ := strconv.Atoi(port)
	return types.NewBackend(host, p)
}

// Received returns the trimmed request lines seen so far.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Value returns the stored value for key.
func (s *Server) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// WaitFor blocks until line has been received or the timeout passes.
func (s *Server) WaitFor(line string, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		for _, r := range s.Received() {
			if r == line {
				return true
			}
		}
		select {
		case <-s.notify:
		case <-deadline.C:
			return false
		}
	}
}

// Close stops the server and waits for its goroutines.
func (s *Server) Close() {
	s.once.Do(func() {
		close(s.closed)
		if s.ln != nil {
			_ = s.ln.Close()
		}
		if s.pc != nil {
			_ = s.pc.Close()
		}
		s.wg.Wait()
	})
}

func (s *Server) serveStream() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			line, err := bufio.NewReader(conn).ReadString('\n')
			if err != nil && line == "" {
				return
			}
			reply, ok := s.handle(line)
			if !ok {
				if s.silent {
					<-s.closed
				}
				return
			}
			_, _ = conn.Write([]byte(protocol.FormatLine(reply)))
		}()
	}
}

func (s *Server) serveDatagram() {
	defer s.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, addr, err := s.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		reply, ok := s.handle(string(buf[:n]))
		if !ok {
			continue
		}
		_, _ = s.pc.WriteTo([]byte(protocol.FormatLine(reply)), addr)
	}
}

// handle records the request and returns the reply, or false when no reply is sent.
func (s *Server) handle(raw string) (string, bool) {
	line := strings.TrimSpace(raw)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, line)
	select {
	case s.notify <- struct{}{}:
	default:
	}

	if s.silent {
		return "", false
	}

	cmd := protocol.ParseCommand(line)
	if s.blank && (cmd.Verb == protocol.VerbGetValue || cmd.Verb == protocol.VerbSet) {
		return "", true
	}
	switch cmd.Verb {
	case protocol.VerbGetNames:
		if s.namesReply != "" {
			return s.namesReply, true
		}
		keys := make([]string, 0, len(s.values))
		for k := range s.values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return protocol.FormatNames(keys), true
	case protocol.VerbGetValue:
		if v, ok := s.values[cmd.Key]; ok {
			return "OK " + v, true
		}
		return protocol.NA, true
	case protocol.VerbSet:
		s.values[cmd.Key] = cmd.Value
		return "OK", true
	case protocol.VerbQuit:
		return "", false
	default:
		return protocol.NA, true
	}
}
