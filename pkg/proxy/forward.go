package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/kv-proxy/pkg/logging"
	"github.com/kv-proxy/pkg/protocol"
	"github.com/kv-proxy/pkg/types"
)

// MaxDatagramSize is the largest reply datagram accepted from a backend.
const MaxDatagramSize = 65535

// Outcome classifies one backend exchange.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTimeout
	OutcomeRefused
	// OutcomeMalformed covers a backend that closed or answered with nothing.
	OutcomeMalformed
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeRefused:
		return "refused"
	case OutcomeMalformed:
		return "malformed"
	default:
		return "failed"
	}
}

var errEmptyReply = errors.New("backend closed without reply")

// Result is the outcome of one exchange with a backend.
type Result struct {
	Outcome Outcome
	Payload string
	Err     error
	Elapsed time.Duration
}

// OK reports whether the backend produced a reply.
func (r Result) OK() bool {
	return r.Outcome == OutcomeSuccess
}

// ReplyOr returns the payload on success and fallback otherwise. The request
// path passes protocol.NA, which is where every failure kind is flattened.
func (r Result) ReplyOr(fallback string) string {
	if r.OK() {
		return r.Payload
	}
	return fallback
}

func failure(err error) Result {
	return Result{Outcome: classify(err), Err: err}
}

func classify(err error) Outcome {
	var netErr net.Error
	switch {
	case errors.Is(err, errEmptyReply):
		return OutcomeMalformed
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return OutcomeTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return OutcomeRefused
	default:
		return OutcomeFailed
	}
}

// Forwarder delivers single commands to backends over their transport.
// One socket per call, closed on every path; no retries.
type Forwarder struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// OnResult, when set, observes every Send/Exchange result.
	OnResult func(addr string, transport types.Transport, r Result)
}

// NewForwarder creates a forwarder with the given connect and read timeouts.
func NewForwarder(connectTimeout, readTimeout time.Duration) *Forwarder {
	return &Forwarder{
		ConnectTimeout: connectTimeout,
		ReadTimeout:    readTimeout,
	}
}

// Send forwards cmd to the backend over its detected transport and waits for one reply.
func (f *Forwarder) Send(ctx context.Context, b *types.Backend, cmd string) Result {
	return f.Exchange(ctx, b.Transport(), b.HostPort(), cmd)
}

// Exchange performs one request/reply round-trip with addr over the given transport.
func (f *Forwarder) Exchange(ctx context.Context, transport types.Transport, addr, cmd string) Result {
	start := time.Now()
	var r Result
	if transport == types.TransportDatagram {
		r = f.exchangeDatagram(ctx, addr, cmd)
	} else {
		r = f.exchangeStream(ctx, addr, cmd)
	}
	r.Elapsed = time.Since(start)

	if r.OK() {
		logging.Debugf("[forward] %s/%s cmd=%q reply=%q elapsed=%v", addr, transport, cmd, r.Payload, r.Elapsed)
	} else {
		logging.Debugf("[forward] %s/%s cmd=%q outcome=%s err=%v", addr, transport, cmd, r.Outcome, r.Err)
	}
	if f.OnResult != nil {
		f.OnResult(addr, transport, r)
	}
	return r
}

// Notify sends cmd without waiting for a reply. Failures are discarded.
func (f *Forwarder) Notify(ctx context.Context, b *types.Backend, cmd string) {
	conn, err := f.dial(ctx, b.Transport().Network(), b.HostPort())
	if err != nil {
		logging.Debugf("[forward] notify %s cmd=%q dial failed: %v", b, cmd, err)
		return
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(f.deadline(ctx, f.ConnectTimeout))
	if _, err := conn.Write([]byte(protocol.FormatLine(cmd))); err != nil {
		logging.Debugf("[forward] notify %s cmd=%q write failed: %v", b, cmd, err)
		return
	}
	logging.Debugf("[forward] notify %s cmd=%q sent", b, cmd)
}

func (f *Forwarder) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: f.ConnectTimeout}
	return dialer.DialContext(ctx, network, addr)
}

// deadline returns now+d, or the context deadline if that comes first.
func (f *Forwarder) deadline(ctx context.Context, d time.Duration) time.Time {
	dl := time.Now().Add(d)
	if ctxDl, ok := ctx.Deadline(); ok && ctxDl.Before(dl) {
		return ctxDl
	}
	return dl
}

func (f *Forwarder) exchangeStream(ctx context.Context, addr, cmd string) Result {
	conn, err := f.dial(ctx, "tcp", addr)
	if err != nil {
		return failure(fmt.Errorf("dial %s: %w", addr, err))
	}
	defer conn.Close()

	_ = conn.SetDeadline(f.deadline(ctx, f.ReadTimeout))
	if _, err := conn.Write([]byte(protocol.FormatLine(cmd))); err != nil {
		return failure(fmt.Errorf("write %s: %w", addr, err))
	}

	line, err := bufio.NewReader(conn).ReadString(protocol.Delimiter)
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			err = errEmptyReply
		}
		return failure(fmt.Errorf("read %s: %w", addr, err))
	}

	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return failure(fmt.Errorf("read %s: %w", addr, errEmptyReply))
	}
	return Result{Outcome: OutcomeSuccess, Payload: line}
}

func (f *Forwarder) exchangeDatagram(ctx context.Context, addr, cmd string) Result {
	// A connected socket only accepts replies from addr, and surfaces
	// ICMP port-unreachable as ECONNREFUSED on read.
	conn, err := f.dial(ctx, "udp", addr)
	if err != nil {
		return failure(fmt.Errorf("dial %s: %w", addr, err))
	}
	defer conn.Close()

	_ = conn.SetDeadline(f.deadline(ctx, f.ReadTimeout))
	if _, err := conn.Write([]byte(protocol.FormatLine(cmd))); err != nil {
		return failure(fmt.Errorf("send %s: %w", addr, err))
	}

	buf := make([]byte, MaxDatagramSize)
	n, err := conn.Read(buf)
	if err != nil {
		return failure(fmt.Errorf("receive %s: %w", addr, err))
	}

	payload := strings.TrimSpace(string(buf[:n]))
	if payload == "" {
		return failure(fmt.Errorf("receive %s: %w", addr, errEmptyReply))
	}
	return Result{Outcome: OutcomeSuccess, Payload: payload}
}
