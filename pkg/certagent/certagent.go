// Package certagent is the proxy-side handle for on-the-fly certificate
// minting. It memoizes minted certificates per (service, usage, host) in an
// effcache.Cache and fills misses by querying the certforged signing daemon
// over its datagram protocol.
//
// The mimic certificate is request payload only: it is sent to the daemon on
// a miss but never takes part in cache-key identity, so connections carrying
// byte-different copies of the same upstream certificate share one entry.
package certagent

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/emmansun/gmsm/smx509"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/cert-forge/pkg/agentproto"
	"github.com/jnovack/cert-forge/pkg/effcache"
)

// QueryKey identifies one cached certificate. It deliberately excludes the
// mimic certificate bytes.
type QueryKey struct {
	Service agentproto.ServiceType
	Usage   agentproto.CertUsage
	Host    string
}

func (k QueryKey) String() string {
	return k.Service.String() + "/" + k.Usage.String() + "/" + k.Host
}

// FakeCertPair is a minted certificate chain plus its private key. One pair
// is shared by every concurrent TLS accept for the same host; TLS is built
// once at cache population so the accept path never re-parses DER.
type FakeCertPair struct {
	CertChain [][]byte // DER, leaf first
	KeyDER    []byte   // PKCS#8
	TTL       time.Duration
	TLS       tls.Certificate
}

// Config tunes an Agent.
type Config struct {
	// DaemonAddr is the UDP address of the signing daemon.
	DaemonAddr string
	// RequestTimeout bounds how long Fetch waits for a certificate. It does
	// not bound the underlying daemon query, which runs on QueryTimeout and
	// may populate the cache after the caller gave up.
	RequestTimeout time.Duration
	// QueryTimeout is the budget of one daemon round trip.
	QueryTimeout time.Duration
	// NegativeTTL is the cooldown after a failed or timed-out query.
	NegativeTTL time.Duration
	// RefreshAhead is the pre-expiry window in which entries are re-minted
	// in the background. Negative disables, zero takes the default.
	RefreshAhead time.Duration
	// RefreshOnMimicChange re-mints a cached host when a fetch arrives with
	// a byte-different mimic certificate. Off by default: the first writer
	// wins until the entry expires.
	RefreshOnMimicChange bool
}

// DefaultDaemonAddr is where certforged listens unless configured otherwise.
const DefaultDaemonAddr = "127.0.0.1:2999"

func (c *Config) withDefaults() Config {
	out := *c
	if out.DaemonAddr == "" {
		out.DaemonAddr = DefaultDaemonAddr
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 2 * time.Second
	}
	if out.QueryTimeout <= 0 {
		out.QueryTimeout = 5 * time.Second
	}
	return out
}

// Agent is the typed façade over the generic cache. Safe for use from
// arbitrarily many goroutines without external locking.
type Agent struct {
	cfg    Config
	client *client
	cache  *effcache.Cache[QueryKey, []byte, *FakeCertPair]
}

// New builds an Agent. Call Close when done.
func New(cfg Config) *Agent {
	cfg = cfg.withDefaults()
	a := &Agent{
		cfg:    cfg,
		client: &client{addr: cfg.DaemonAddr},
	}
	cc := effcache.Config[[]byte]{
		NegativeTTL:  cfg.NegativeTTL,
		RefreshAhead: cfg.RefreshAhead,
		FetchTimeout: cfg.QueryTimeout,
	}
	if cfg.RefreshOnMimicChange {
		cc.RequestEqual = bytes.Equal
	}
	a.cache = effcache.New(cc, a.mint)
	return a
}

// Close stops the cache's background refresh machinery.
func (a *Agent) Close() { a.cache.Close() }

// Fetch returns a minted pair for host, or (nil, false) when minting is
// unavailable (daemon unreachable, signing failed, or the wait timed out).
// Callers must treat false as "do not intercept this connection".
func (a *Agent) Fetch(ctx context.Context, service agentproto.ServiceType, usage agentproto.CertUsage, host string, mimicCert []byte) (*FakeCertPair, bool) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	return a.cache.Fetch(ctx, QueryKey{Service: service, Usage: usage, Host: host}, mimicCert)
}

// PreFetch is a best-effort warm lookup: it returns a cached pair or joins an
// in-flight mint, but never starts one. Used for speculative warming from
// SNI/DNS prediction.
func (a *Agent) PreFetch(ctx context.Context, service agentproto.ServiceType, usage agentproto.CertUsage, host string) (*FakeCertPair, bool) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	return a.cache.FetchCacheOnly(ctx, QueryKey{Service: service, Usage: usage, Host: host})
}

// mint is the cache fetcher: one daemon round trip, then pair assembly.
func (a *Agent) mint(ctx context.Context, key QueryKey, mimicCert []byte) (*FakeCertPair, time.Duration, error) {
	req := &agentproto.Request{
		Host:      key.Host,
		Service:   key.Service,
		Usage:     key.Usage,
		MimicCert: mimicCert,
	}
	resp, err := a.client.roundTrip(ctx, req)
	if err != nil {
		log.Debug().Err(err).Str("key", key.String()).Msg("certificate mint failed")
		return nil, 0, err
	}
	pair, err := buildPair(resp)
	if err != nil {
		log.Debug().Err(err).Str("key", key.String()).Msg("minted certificate unusable")
		return nil, 0, err
	}
	log.Debug().Str("key", key.String()).Dur("ttl", pair.TTL).Msg("certificate minted")
	return pair, pair.TTL, nil
}

// minTTL floors daemon-provided lifetimes so a zero or tiny ttl cannot turn
// the cache into a per-connection query path.
const minTTL = 10 * time.Second

func buildPair(resp *agentproto.Response) (*FakeCertPair, error) {
	if len(resp.CertChain) == 0 || len(resp.KeyDER) == 0 {
		return nil, errors.New("certagent: response missing chain or key")
	}
	leaf, err := parseCert(resp.CertChain[0])
	if err != nil {
		return nil, fmt.Errorf("certagent: parse minted leaf: %w", err)
	}
	key, err := parseKey(resp.KeyDER)
	if err != nil {
		return nil, fmt.Errorf("certagent: parse minted key: %w", err)
	}
	ttl := time.Duration(resp.TTLSeconds) * time.Second
	if ttl < minTTL {
		ttl = minTTL
	}
	return &FakeCertPair{
		CertChain: resp.CertChain,
		KeyDER:    resp.KeyDER,
		TTL:       ttl,
		TLS: tls.Certificate{
			Certificate: resp.CertChain,
			PrivateKey:  key,
			Leaf:        leaf,
		},
	}, nil
}

// parseCert tolerates SM2 certificates, which the standard library rejects.
func parseCert(der []byte) (*x509.Certificate, error) {
	if c, err := x509.ParseCertificate(der); err == nil {
		return c, nil
	}
	c, err := smx509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return c.ToX509(), nil
}

func parseKey(der []byte) (any, error) {
	if k, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return k, nil
	}
	return smx509.ParsePKCS8PrivateKey(der)
}
