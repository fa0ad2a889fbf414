package routing

import (
	"context"
	"testing"
	"time"

	"github.com/kv-proxy/pkg/kvtest"
	"github.com/kv-proxy/pkg/protocol"
	"github.com/kv-proxy/pkg/proxy"
	"github.com/kv-proxy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDiscoverer(reg *KeyRegistry) *Discoverer {
	return NewDiscoverer(
		reg,
		proxy.NewDetector(200*time.Millisecond, 200*time.Millisecond),
		proxy.NewForwarder(400*time.Millisecond, 400*time.Millisecond),
	)
}

func TestDiscoverAll_MixedTransports(t *testing.T) {
	tcp := kvtest.NewStream(t, map[string]string{"alpha": "1", "beta": "2"})
	udp := kvtest.NewDatagram(t, map[string]string{"gamma": "3"})
	backends := []*types.Backend{tcp.Backend(), udp.Backend()}

	reg := NewKeyRegistry()
	reports := newTestDiscoverer(reg).DiscoverAll(context.Background(), backends)

	require.Len(t, reports, 2)
	assert.Equal(t, []string{"alpha", "beta"}, reports[0].Keys)
	assert.Equal(t, []string{"gamma"}, reports[1].Keys)
	assert.NoError(t, reports[0].Err)
	assert.NoError(t, reports[1].Err)

	assert.Equal(t, types.TransportStream, backends[0].Transport())
	assert.Equal(t, types.TransportDatagram, backends[1].Transport())

	assert.Equal(t, []string{"alpha", "beta", "gamma"}, reg.AllKeys())
	got, ok := reg.Lookup("gamma")
	require.True(t, ok)
	assert.Same(t, backends[1], got)
	assert.True(t, reg.Frozen())
}

func TestDiscoverAll_SilentBackendIsolated(t *testing.T) {
	silent := kvtest.NewDatagram(t, nil, kvtest.WithSilence())
	ok := kvtest.NewStream(t, map[string]string{"alpha": "1"})
	backends := []*types.Backend{silent.Backend(), ok.Backend()}

	reg := NewKeyRegistry()
	reports := newTestDiscoverer(reg).DiscoverAll(context.Background(), backends)

	require.Len(t, reports, 2)
	assert.Error(t, reports[0].Err)
	assert.Empty(t, reports[0].Keys)
	assert.Equal(t, types.TransportStream, backends[0].Transport(), "undetectable backend defaults to stream")

	assert.Equal(t, []string{"alpha"}, reports[1].Keys)
	assert.Equal(t, []string{"alpha"}, reg.AllKeys())
}

func TestDiscoverAll_MalformedReply(t *testing.T) {
	// Detection only needs an OK prefix; the count is garbage.
	bad := kvtest.NewStream(t, nil, kvtest.WithNamesReply("OK many a b"))
	reg := NewKeyRegistry()

	reports := newTestDiscoverer(reg).DiscoverAll(context.Background(), []*types.Backend{bad.Backend()})

	require.Len(t, reports, 1)
	assert.ErrorIs(t, reports[0].Err, protocol.ErrMalformedResponse)
	assert.Equal(t, proxy.OutcomeMalformed, reports[0].Outcome)
	assert.Equal(t, 0, reg.Count())
}

func TestDiscoverAll_TruncatesToCount(t *testing.T) {
	short := kvtest.NewStream(t, nil, kvtest.WithNamesReply("OK 3 a b"))
	long := kvtest.NewDatagram(t, nil, kvtest.WithNamesReply("OK 1 c d"))
	reg := NewKeyRegistry()

	newTestDiscoverer(reg).DiscoverAll(context.Background(), []*types.Backend{short.Backend(), long.Backend()})

	assert.Equal(t, []string{"a", "b", "c"}, reg.AllKeys())
	assert.False(t, reg.Has("d"))
}

func TestDiscoverAll_LastWriterWins(t *testing.T) {
	first := kvtest.NewStream(t, map[string]string{"shared": "1"})
	second := kvtest.NewDatagram(t, map[string]string{"shared": "2"})
	backends := []*types.Backend{first.Backend(), second.Backend()}
	reg := NewKeyRegistry()

	newTestDiscoverer(reg).DiscoverAll(context.Background(), backends)

	got, ok := reg.Lookup("shared")
	require.True(t, ok)
	assert.Same(t, backends[1], got)
	assert.Equal(t, 1, reg.Count())
}

func TestDiscoverAll_NoBackends(t *testing.T) {
	reg := NewKeyRegistry()
	reports := newTestDiscoverer(reg).DiscoverAll(context.Background(), nil)
	assert.Empty(t, reports)
	assert.True(t, reg.Frozen())
	assert.Equal(t, 0, reg.Count())
}
