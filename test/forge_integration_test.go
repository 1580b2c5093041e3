//go:build integration
// +build integration

// 1. Start an in-process signing daemon with self-signed CA material
// 2. Point a certagent at it and fetch a pair mimicking an upstream cert
// 3. Terminate a real TLS handshake with the minted pair
// 4. Verify the client chain ends at the forge CA, not the upstream's
// 5. Rotate CA material via Reload and confirm new mints use the new root

package integrations

import (
	"context"
	"crypto/elliptic"
	"crypto/x509"
	"crypto/x509/pkix"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnovack/cert-forge/internal/helpers"
	"github.com/jnovack/cert-forge/pkg/agentproto"
	"github.com/jnovack/cert-forge/pkg/ca"
	"github.com/jnovack/cert-forge/pkg/certagent"
	"github.com/jnovack/cert-forge/pkg/signer"
)

func TestMintAndHandshake(t *testing.T) {
	store, snap := helpers.NewSnapshotStore(t)
	addr := helpers.StartDaemon(t, store, signer.Config{})

	agent := certagent.New(certagent.Config{DaemonAddr: addr})
	defer agent.Close()

	mimic := helpers.UpstreamEC(t, "intercept.example.com", elliptic.P256(), time.Time{})
	pair, ok := agent.Fetch(context.Background(), agentproto.ServiceTLSServer, agentproto.UsageTLSServerAuth,
		"intercept.example.com:443", mimic)
	require.True(t, ok, "mint through the daemon")

	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(snap.PEM()))
	state := helpers.Handshake(t, pair.TLS, "intercept.example.com", roots)

	require.NotEmpty(t, state.PeerCertificates)
	leaf := state.PeerCertificates[0]
	assert.Equal(t, "intercept.example.com", leaf.Subject.CommonName)
	assert.Equal(t, snap.EC.Cert.Subject.CommonName, leaf.Issuer.CommonName,
		"leaf must chain to the forge CA, not the upstream issuer")
}

func TestMimicFamiliesEndToEnd(t *testing.T) {
	store, snap := helpers.NewSnapshotStore(t)
	addr := helpers.StartDaemon(t, store, signer.Config{})

	agent := certagent.New(certagent.Config{DaemonAddr: addr})
	defer agent.Close()

	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(snap.PEM()))

	cases := []struct {
		name  string
		host  string
		mimic []byte
	}{
		{"rsa", "rsa.example.com", helpers.UpstreamRSA(t, "rsa.example.com", 2048, time.Time{})},
		{"ec", "ec.example.com", helpers.UpstreamEC(t, "ec.example.com", elliptic.P384(), time.Time{})},
		{"ed25519", "ed.example.com", helpers.UpstreamEd25519(t, "ed.example.com", time.Time{})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pair, ok := agent.Fetch(context.Background(), agentproto.ServiceTLSServer, agentproto.UsageTLSServerAuth,
				tc.host+":443", tc.mimic)
			require.True(t, ok)
			state := helpers.Handshake(t, pair.TLS, tc.host, roots)
			require.NotEmpty(t, state.PeerCertificates)
		})
	}
}

func TestCAMaterialRotation(t *testing.T) {
	dir := t.TempDir()

	// Build CA material on disk so Reload has files to re-read.
	writePair := func(name string, snap *ca.Snapshot) ca.PairPath {
		issuer := snap.EC
		certPath := filepath.Join(dir, name+".crt")
		keyPath := filepath.Join(dir, name+".key")
		require.NoError(t, os.WriteFile(certPath, issuer.PEM(), 0o600))
		keyPEM, err := ca.MarshalPrivateKeyPEM(issuer.Key)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))
		return ca.PairPath{Cert: certPath, Key: keyPath}
	}

	first, err := ca.SelfSigned(pkix.Name{CommonName: "Rotation CA 1"})
	require.NoError(t, err)
	paths := ca.Paths{EC: writePair("ec", first)}

	store, err := ca.NewStore(paths)
	require.NoError(t, err)
	addr := helpers.StartDaemon(t, store, signer.Config{})

	agent := certagent.New(certagent.Config{DaemonAddr: addr, RefreshAhead: -1})
	defer agent.Close()

	pair, ok := agent.Fetch(context.Background(), agentproto.ServiceTLSServer, agentproto.UsageTLSServerAuth, "rot.example.com:443", nil)
	require.True(t, ok)
	assert.Equal(t, "Rotation CA 1", pair.TLS.Leaf.Issuer.CommonName)

	// Rotate the files and reload.
	second, err := ca.SelfSigned(pkix.Name{CommonName: "Rotation CA 2"})
	require.NoError(t, err)
	writePair("ec", second)
	gen := store.Generation()
	require.NoError(t, store.Reload())
	assert.Equal(t, gen+1, store.Generation())

	// A different host misses the cache and must get the new issuer.
	pair2, ok := agent.Fetch(context.Background(), agentproto.ServiceTLSServer, agentproto.UsageTLSServerAuth, "rot2.example.com:443", nil)
	require.True(t, ok)
	assert.Equal(t, "Rotation CA 2", pair2.TLS.Leaf.Issuer.CommonName)
}
