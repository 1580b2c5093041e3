package signer

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/cert-forge/pkg/agentproto"
	"github.com/jnovack/cert-forge/pkg/ca"
)

type countingMetrics struct {
	mu                       sync.Mutex
	requests, signed, failed int
	dropped                  int
	durations                int
}

func (m *countingMetrics) IncRequests() { m.mu.Lock(); m.requests++; m.mu.Unlock() }
func (m *countingMetrics) IncSigned()   { m.mu.Lock(); m.signed++; m.mu.Unlock() }
func (m *countingMetrics) IncFailed()   { m.mu.Lock(); m.failed++; m.mu.Unlock() }
func (m *countingMetrics) IncDropped()  { m.mu.Lock(); m.dropped++; m.mu.Unlock() }

func (m *countingMetrics) InflightAdd(string)    {}
func (m *countingMetrics) InflightRemove(string) {}
func (m *countingMetrics) ObserveSignDuration(time.Duration) {
	m.mu.Lock()
	m.durations++
	m.mu.Unlock()
}

func startTestServer(t *testing.T) (*Server, *countingMetrics) {
	t.Helper()
	snap, err := ca.SelfSigned(pkix.Name{CommonName: "Server Test CA"})
	require.NoError(t, err)
	metrics := &countingMetrics{}
	srv, err := NewServer(NewBackend(ca.NewStoreFromSnapshot(snap), Config{}), ServerConfig{
		Addr:    "127.0.0.1:0",
		Metrics: metrics,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv, metrics
}

func TestServerRoundTrip(t *testing.T) {
	srv, metrics := startTestServer(t)

	conn, err := net.Dial("udp", srv.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	req := &agentproto.Request{
		Host:    "udp.example.com:443",
		Service: agentproto.ServiceTLSServer,
		Usage:   agentproto.UsageTLSServerAuth,
	}
	pkt, err := req.Encode()
	require.NoError(t, err)
	_, err = conn.Write(pkt)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	buf := make([]byte, 64<<10)
	n, err := conn.Read(buf)
	require.NoError(t, err)

	resp, err := agentproto.DecodeResponse(buf[:n])
	require.NoError(t, err)
	assert.True(t, resp.MatchesRequest(req))
	require.Len(t, resp.CertChain, 2)
	leaf, err := x509.ParseCertificate(resp.CertChain[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"udp.example.com"}, leaf.DNSNames)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.requests)
	assert.Equal(t, 1, metrics.signed)
	assert.Equal(t, 1, metrics.durations)
	assert.Zero(t, metrics.failed)
}

func TestServerStaysSilentOnFailure(t *testing.T) {
	srv, metrics := startTestServer(t)

	conn, err := net.Dial("udp", srv.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	// not a valid request encoding at all
	_, err = conn.Write([]byte("certificate please"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	buf := make([]byte, 1024)
	_, err = conn.Read(buf)
	require.Error(t, err, "malformed requests must get no reply")
	nerr, ok := err.(net.Error)
	require.True(t, ok)
	assert.True(t, nerr.Timeout())

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.failed)
	assert.Zero(t, metrics.signed)
}
