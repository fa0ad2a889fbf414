package routing

import (
	"context"
	"fmt"

	"github.com/kv-proxy/pkg/logging"
	"github.com/kv-proxy/pkg/protocol"
	"github.com/kv-proxy/pkg/proxy"
	"github.com/kv-proxy/pkg/types"
)

// DiscoveryReport is what one backend contributed to the registry.
type DiscoveryReport struct {
	Backend *types.Backend
	Keys    []string
	Outcome proxy.Outcome
	Err     error
}

// Discoverer fills a KeyRegistry by detecting each backend's transport and
// asking it for its key names.
type Discoverer struct {
	registry  *KeyRegistry
	detector  *proxy.Detector
	forwarder *proxy.Forwarder
}

// NewDiscoverer creates a discoverer. The forwarder's timeouts should be
// longer than the detector's.
func NewDiscoverer(registry *KeyRegistry, detector *proxy.Detector, forwarder *proxy.Forwarder) *Discoverer {
	return &Discoverer{
		registry:  registry,
		detector:  detector,
		forwarder: forwarder,
	}
}

// DiscoverAll detects every backend, enumerates keys from each in
// configuration order, then freezes the registry. A failing backend
// contributes no keys and does not stop the others.
func (d *Discoverer) DiscoverAll(ctx context.Context, backends []*types.Backend) []DiscoveryReport {
	logging.Logf("[discovery] checking %d backend(s)", len(backends))

	d.detector.DetectAll(ctx, backends)

	reports := make([]DiscoveryReport, 0, len(backends))
	for _, b := range backends {
		rep := d.discover(ctx, b)
		if rep.Err != nil {
			logging.Warnf("[discovery] %s contributed no keys: %v", b, rep.Err)
		} else {
			logging.Logf("[discovery] %s keys=%d %v", b, len(rep.Keys), rep.Keys)
		}
		reports = append(reports, rep)
	}

	d.registry.Freeze()
	logging.Logf("[discovery] complete, total keys=%d", d.registry.Count())
	return reports
}

func (d *Discoverer) discover(ctx context.Context, b *types.Backend) DiscoveryReport {
	rep := DiscoveryReport{Backend: b}

	r := d.forwarder.Send(ctx, b, protocol.FormatGetNames())
	rep.Outcome = r.Outcome
	if !r.OK() {
		rep.Err = fmt.Errorf("names request %s: %w", r.Outcome, r.Err)
		return rep
	}

	keys, err := protocol.ParseNamesResponse(r.Payload)
	if err != nil {
		rep.Outcome = proxy.OutcomeMalformed
		rep.Err = err
		return rep
	}

	for _, k := range keys {
		if err := d.registry.Put(k, b); err != nil {
			rep.Err = fmt.Errorf("register key %q: %w", k, err)
			return rep
		}
		rep.Keys = append(rep.Keys, k)
	}
	return rep
}
