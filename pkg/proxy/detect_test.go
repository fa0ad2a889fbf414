package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/kv-proxy/pkg/kvtest"
	"github.com/kv-proxy/pkg/types"
	"github.com/stretchr/testify/assert"
)

func newTestDetector() *Detector {
	return NewDetector(200*time.Millisecond, 200*time.Millisecond)
}

func TestDetector_Stream(t *testing.T) {
	srv := kvtest.NewStream(t, map[string]string{"a": "1"})
	b := srv.Backend()

	assert.Equal(t, types.TransportStream, newTestDetector().Detect(context.Background(), b))
	assert.Equal(t, types.TransportStream, b.Transport())
}

func TestDetector_Datagram(t *testing.T) {
	srv := kvtest.NewDatagram(t, map[string]string{"a": "1"})
	b := srv.Backend()

	assert.Equal(t, types.TransportDatagram, newTestDetector().Detect(context.Background(), b))
	assert.Equal(t, types.TransportDatagram, b.Transport())
}

func TestDetector_NoAnswerDefaultsToStream(t *testing.T) {
	srv := kvtest.NewDatagram(t, nil, kvtest.WithSilence())
	b := srv.Backend()

	assert.Equal(t, types.TransportStream, newTestDetector().Detect(context.Background(), b))
	assert.Equal(t, types.TransportStream, b.Transport())
}

func TestDetector_NonOKReplyIsNotDetection(t *testing.T) {
	srv := kvtest.NewStream(t, nil, kvtest.WithNamesReply("NA"))
	b := srv.Backend()

	// Stream answered, but not with OK; datagram has nobody listening.
	assert.Equal(t, types.TransportStream, newTestDetector().Detect(context.Background(), b))
	assert.Contains(t, srv.Received(), "GET NAMES")
}

func TestDetector_KeepsExistingTransport(t *testing.T) {
	srv := kvtest.NewStream(t, nil)
	b := srv.Backend()
	b.SetTransport(types.TransportDatagram)

	assert.Equal(t, types.TransportDatagram, newTestDetector().Detect(context.Background(), b))
	assert.Empty(t, srv.Received(), "no probe for an already detected backend")
}

func TestDetector_DetectAll(t *testing.T) {
	tcp := kvtest.NewStream(t, nil)
	udp := kvtest.NewDatagram(t, nil)
	dead := kvtest.NewDatagram(t, nil, kvtest.WithSilence())

	backends := []*types.Backend{tcp.Backend(), udp.Backend(), dead.Backend()}
	d := newTestDetector()
	d.Parallelism = 2
	d.DetectAll(context.Background(), backends)

	assert.Equal(t, types.TransportStream, backends[0].Transport())
	assert.Equal(t, types.TransportDatagram, backends[1].Transport())
	assert.Equal(t, types.TransportStream, backends[2].Transport())
}
