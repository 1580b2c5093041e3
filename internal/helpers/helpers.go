// Package helpers holds shared test scaffolding: throwaway CA material,
// in-process signing daemons and upstream-certificate builders.
package helpers

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jnovack/cert-forge/pkg/ca"
	"github.com/jnovack/cert-forge/pkg/signer"
)

// NewSnapshotStore generates throwaway CA material for every key family and
// wraps it in a store, with no files on disk.
func NewSnapshotStore(t *testing.T) (*ca.Store, *ca.Snapshot) {
	t.Helper()
	snap, err := ca.SelfSigned(pkix.Name{CommonName: "Test Forge CA", Organization: []string{"cert-forge tests"}})
	require.NoError(t, err, "generate self-signed CA material")
	return ca.NewStoreFromSnapshot(snap), snap
}

// StartDaemon runs a signing daemon on an ephemeral loopback port and tears
// it down with the test. It returns the daemon's UDP address.
func StartDaemon(t *testing.T, store *ca.Store, cfg signer.Config) string {
	t.Helper()
	srv, err := signer.NewServer(signer.NewBackend(store, cfg), signer.ServerConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, err, "bind daemon socket")

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
	return srv.LocalAddr().String()
}

// upstream certificate builders, one per key family

// UpstreamEC self-signs an ECDSA certificate standing in for a real server's leaf.
func UpstreamEC(t *testing.T, host string, curve elliptic.Curve, notAfter time.Time) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	require.NoError(t, err)
	return selfSign(t, &key.PublicKey, key, host, notAfter)
}

// UpstreamRSA self-signs an RSA certificate.
func UpstreamRSA(t *testing.T, host string, bits int, notAfter time.Time) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, bits)
	require.NoError(t, err)
	return selfSign(t, &key.PublicKey, key, host, notAfter)
}

// UpstreamEd25519 self-signs an Ed25519 certificate.
func UpstreamEd25519(t *testing.T, host string, notAfter time.Time) []byte {
	t.Helper()
	pub, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return selfSign(t, pub, key, host, notAfter)
}

func selfSign(t *testing.T, pub any, key crypto.Signer, host string, notAfter time.Time) []byte {
	t.Helper()
	if notAfter.IsZero() {
		notAfter = time.Now().Add(90 * 24 * time.Hour)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, key)
	require.NoError(t, err, "self-sign upstream certificate")
	return der
}

// Handshake runs a full in-memory TLS handshake: the server side presents
// pair, the client side verifies it for sniHost against roots. It fails the
// test on any handshake error and returns the negotiated client state.
func Handshake(t *testing.T, pair tls.Certificate, sniHost string, roots *x509.CertPool) tls.ConnectionState {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	errCh := make(chan error, 1)
	go func() {
		srv := tls.Server(serverConn, &tls.Config{
			Certificates: []tls.Certificate{pair},
			MinVersion:   tls.VersionTLS12,
		})
		errCh <- srv.Handshake()
	}()

	cli := tls.Client(clientConn, &tls.Config{
		ServerName: sniHost,
		RootCAs:    roots,
		MinVersion: tls.VersionTLS12,
	})
	require.NoError(t, cli.Handshake(), "client handshake")
	require.NoError(t, <-errCh, "server handshake")
	return cli.ConnectionState()
}
