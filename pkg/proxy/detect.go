package proxy

import (
	"context"
	"time"

	"github.com/kv-proxy/pkg/logging"
	"github.com/kv-proxy/pkg/protocol"
	"github.com/kv-proxy/pkg/types"
	"golang.org/x/sync/errgroup"
)

// DefaultDetectParallelism bounds concurrent DetectAll probes.
const DefaultDetectParallelism = 8

// Detector learns which transport a backend speaks by probing it with GET NAMES.
type Detector struct {
	probe       *Forwarder
	Parallelism int
}

// NewDetector creates a detector whose probes use the given timeouts.
func NewDetector(connectTimeout, readTimeout time.Duration) *Detector {
	return &Detector{
		probe:       NewForwarder(connectTimeout, readTimeout),
		Parallelism: DefaultDetectParallelism,
	}
}

// Detect probes stream first, then datagram, one attempt each. A backend that
// answers neither is recorded as stream so it stays routable.
// The result is stored on the backend; an already detected backend keeps its transport.
func (d *Detector) Detect(ctx context.Context, b *types.Backend) types.Transport {
	if t := b.Transport(); t != types.TransportUnknown {
		return t
	}

	detected := types.TransportStream
	switch {
	case d.answers(ctx, types.TransportStream, b):
		logging.Logf("[detect] %s speaks tcp", b.HostPort())
	case d.answers(ctx, types.TransportDatagram, b):
		detected = types.TransportDatagram
		logging.Logf("[detect] %s speaks udp", b.HostPort())
	default:
		logging.Warnf("[detect] %s did not answer on tcp or udp, defaulting to tcp", b.HostPort())
	}

	b.SetTransport(detected)
	return b.Transport()
}

func (d *Detector) answers(ctx context.Context, t types.Transport, b *types.Backend) bool {
	r := d.probe.Exchange(ctx, t, b.HostPort(), protocol.FormatGetNames())
	return r.OK() && protocol.IsOK(r.Payload)
}

// DetectAll runs Detect for every backend concurrently. Detection of one
// backend never affects another.
func (d *Detector) DetectAll(ctx context.Context, backends []*types.Backend) {
	var g errgroup.Group
	if d.Parallelism > 0 {
		g.SetLimit(d.Parallelism)
	}
	for _, b := range backends {
		g.Go(func() error {
			d.Detect(ctx, b)
			return nil
		})
	}
	_ = g.Wait()
}
