package server

import (
	"context"
	"sync"
	"time"

	"github.com/kv-proxy/pkg/config"
	"github.com/kv-proxy/pkg/logging"
	"github.com/kv-proxy/pkg/metrics"
	"github.com/kv-proxy/pkg/proxy"
	"github.com/kv-proxy/pkg/routing"
	"github.com/kv-proxy/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// Handler answers one client request line. An empty response means no reply is sent.
type Handler interface {
	Handle(ctx context.Context, origin types.Transport, line string) string
}

// ProxyServer proxy server
type ProxyServer struct {
	cfg      *config.Config
	backends []*types.Backend
	keys     *routing.KeyRegistry

	detector  *proxy.Detector
	forwarder *proxy.Forwarder
	router    *Router

	registry  *prometheus.Registry
	collector *metrics.Collector

	stream   *StreamListener
	datagram *DatagramListener
}

// eofThrottle limits "client closed before sending" debug lines.
type eofThrottle struct {
	lock       sync.Mutex
	lastLogAt  time.Time
	suppressed int
}

func (e *eofThrottle) log(remote string) {
	if !logging.IsDebug() {
		return
	}
	now := time.Now()

	e.lock.Lock()
	defer e.lock.Unlock()

	// Log at most once per 5s; count suppressed events.
	const window = 5 * time.Second
	if !e.lastLogAt.IsZero() && now.Sub(e.lastLogAt) < window {
		e.suppressed++
		return
	}

	if e.suppressed > 0 && !e.lastLogAt.IsZero() {
		logging.Debugf(
			"[accept] empty request (remote=%s) (suppressed=%d in last=%s)",
			remote,
			e.suppressed,
			now.Sub(e.lastLogAt).Truncate(time.Second),
		)
	} else {
		logging.Debugf("[accept] empty request (remote=%s)", remote)
	}

	e.suppressed = 0
	e.lastLogAt = now
}
