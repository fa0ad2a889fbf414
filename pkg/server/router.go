package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kv-proxy/pkg/logging"
	"github.com/kv-proxy/pkg/metrics"
	"github.com/kv-proxy/pkg/protocol"
	"github.com/kv-proxy/pkg/proxy"
	"github.com/kv-proxy/pkg/routing"
	"github.com/kv-proxy/pkg/types"
)

// Router turns one client request into one response using the key registry
// and the forwarder.
type Router struct {
	keys      *routing.KeyRegistry
	backends  []*types.Backend
	forwarder *proxy.Forwarder
	collector *metrics.Collector

	quitGrace time.Duration
	shutdown  func()
	quitOnce  sync.Once
}

// NewRouter creates a router. shutdown is called once, quitGrace after the first QUIT.
func NewRouter(keys *routing.KeyRegistry, backends []*types.Backend, forwarder *proxy.Forwarder, quitGrace time.Duration, shutdown func()) *Router {
	return &Router{
		keys:      keys,
		backends:  backends,
		forwarder: forwarder,
		quitGrace: quitGrace,
		shutdown:  shutdown,
	}
}

// Route returns the response line for a request line, without delimiter.
// QUIT yields an empty response.
func (r *Router) Route(ctx context.Context, line string) string {
	return r.route(ctx, protocol.ParseCommand(line))
}

func (r *Router) route(ctx context.Context, cmd protocol.Command) string {
	switch cmd.Verb {
	case protocol.VerbGetNames:
		return protocol.FormatNames(r.keys.AllKeys())
	case protocol.VerbGetValue, protocol.VerbSet:
		return r.forward(ctx, cmd)
	case protocol.VerbQuit:
		r.quit(ctx)
		return ""
	default:
		return protocol.NA
	}
}

func (r *Router) forward(ctx context.Context, cmd protocol.Command) string {
	b, ok := r.keys.Lookup(cmd.Key)
	if !ok {
		logging.Debugf("[route] unknown key=%q", cmd.Key)
		return protocol.NA
	}
	return r.forwarder.Send(ctx, b, cmd.String()).ReplyOr(protocol.NA)
}

// quit broadcasts QUIT to every backend and schedules shutdown.
func (r *Router) quit(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	logging.Logf("[route] QUIT received, notifying %d backend(s), stopping in %s", len(r.backends), r.quitGrace)

	for _, b := range r.backends {
		go r.forwarder.Notify(ctx, b, protocol.CmdQuit)
	}

	r.quitOnce.Do(func() {
		if r.shutdown != nil {
			time.AfterFunc(r.quitGrace, r.shutdown)
		}
	})
}

// Handle routes line and records it.
func (r *Router) Handle(ctx context.Context, origin types.Transport, line string) string {
	start := time.Now()
	id := uuid.NewString()
	cmd := protocol.ParseCommand(line)

	logging.Debugf("[request] id=%s transport=%s verb=%s line=%q", id, origin, cmd.Verb, line)

	resp := r.route(ctx, cmd)
	elapsed := time.Since(start)

	if r.collector != nil {
		r.collector.RecordRequest(cmd.Verb.String(), origin.String(), resp == protocol.NA, elapsed)
	}
	logging.Debugf("[request] id=%s reply=%q elapsed=%v", id, resp, elapsed)
	return resp
}
