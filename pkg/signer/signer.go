// Package signer implements the daemon-side minting engine: given a signing
// request, it builds a leaf certificate that mimics the requested upstream
// certificate (subject, SAN list, key algorithm family, remaining validity)
// but chains to this daemon's own CA material.
package signer

import (
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"time"

	"github.com/emmansun/gmsm/sm2"
	"github.com/emmansun/gmsm/smx509"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/jnovack/cert-forge/pkg/agentproto"
	"github.com/jnovack/cert-forge/pkg/ca"
)

// Config tunes the minting policy.
type Config struct {
	// MaxValidity caps the minted validity window. The window is the lesser
	// of this and the mimicked certificate's remaining validity.
	MaxValidity time.Duration
	// MaxTTL caps the cache lifetime advertised to the agent, so entries
	// retire well before the certificate's hard X.509 expiry.
	MaxTTL time.Duration
	// Backdate shifts notBefore into the past to absorb clock skew.
	Backdate time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxValidity <= 0 {
		out.MaxValidity = 30 * 24 * time.Hour
	}
	if out.MaxTTL <= 0 {
		out.MaxTTL = time.Hour
	}
	if out.Backdate <= 0 {
		out.Backdate = time.Hour
	}
	return out
}

// Backend mints certificates against the CA material in store. Sign is a
// pure function of the request and the current CA snapshot, so re-running it
// for the same request is always safe.
type Backend struct {
	store *ca.Store
	cfg   Config
}

// NewBackend builds a Backend.
func NewBackend(store *ca.Store, cfg Config) *Backend {
	return &Backend{store: store, cfg: cfg.withDefaults()}
}

// key algorithm families the backend can generate for.
type keyKind int

const (
	kindRSA keyKind = iota
	kindEC
	kindEd25519
	kindX25519 // key-agreement-only certificates
	kindTLCP   // SM2
)

func (k keyKind) String() string {
	switch k {
	case kindRSA:
		return "rsa"
	case kindEC:
		return "ec"
	case kindEd25519:
		return "ed25519"
	case kindX25519:
		return "x25519"
	case kindTLCP:
		return "tlcp"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

type keySpec struct {
	kind    keyKind
	rsaBits int
	curve   elliptic.Curve
}

// mimicProfile is what the backend extracts from an upstream certificate.
type mimicProfile struct {
	subject  pkix.Name
	dnsNames []string
	ips      []net.IP
	emails   []string
	uris     []*url.URL
	notAfter time.Time
	spec     keySpec
}

// Sign mints one certificate. Any error means the request failed as a whole;
// the transport layer drops failed requests and lets the client time out
// rather than sending a partial response.
func (b *Backend) Sign(req *agentproto.Request) (*agentproto.Response, error) {
	if req.Host == "" {
		return nil, errors.New("signer: empty host")
	}
	if !req.Service.Valid() || !req.Usage.Valid() {
		return nil, fmt.Errorf("signer: invalid service/usage %d/%d", req.Service, req.Usage)
	}

	var mimic *mimicProfile
	if len(req.MimicCert) > 0 {
		var err error
		if mimic, err = parseMimic(req.MimicCert); err != nil {
			return nil, fmt.Errorf("signer: parse mimic certificate: %w", err)
		}
	}

	spec := keySpec{kind: kindEC, curve: elliptic.P256()}
	if mimic != nil {
		spec = mimic.spec
	}
	// TLCP usages dictate the family regardless of what the mimic carried.
	if req.Usage.IsTLCP() {
		spec = keySpec{kind: kindTLCP}
	}

	pub, priv, err := generateKey(spec)
	if err != nil {
		return nil, fmt.Errorf("signer: generate %s key: %w", spec.kind, err)
	}

	now := time.Now()
	validity := b.cfg.MaxValidity
	if mimic != nil {
		if remaining := mimic.notAfter.Sub(now); remaining > 0 && remaining < validity {
			validity = remaining
		}
	}

	tmpl, err := b.leafTemplate(req, mimic, spec, now, validity)
	if err != nil {
		return nil, err
	}

	leafDER, issuerDER, err := b.issue(tmpl, spec, pub)
	if err != nil {
		return nil, err
	}

	keyDER, err := marshalKey(priv)
	if err != nil {
		return nil, fmt.Errorf("signer: marshal private key: %w", err)
	}

	ttl := validity
	if ttl > b.cfg.MaxTTL {
		ttl = b.cfg.MaxTTL
	}

	return &agentproto.Response{
		Host:       req.Host,
		Service:    req.Service,
		Usage:      req.Usage,
		CertChain:  [][]byte{leafDER, issuerDER},
		KeyDER:     keyDER,
		TTLSeconds: uint32(ttl / time.Second),
	}, nil
}

func (b *Backend) leafTemplate(req *agentproto.Request, mimic *mimicProfile, spec keySpec, now time.Time, validity time.Duration) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("signer: generate serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		NotBefore:             now.Add(-b.cfg.Backdate),
		NotAfter:              now.Add(validity),
		KeyUsage:              keyUsageFor(spec.kind, req.Usage),
		ExtKeyUsage:           extKeyUsageFor(req.Usage),
		BasicConstraintsValid: true,
	}
	if mimic != nil {
		tmpl.Subject = mimic.subject
		tmpl.DNSNames = mimic.dnsNames
		tmpl.IPAddresses = mimic.ips
		tmpl.EmailAddresses = mimic.emails
		tmpl.URIs = mimic.uris
		return tmpl, nil
	}
	host := stripPort(req.Host)
	tmpl.Subject = pkix.Name{CommonName: host}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}
	return tmpl, nil
}

// issue signs the template with the CA pair matching the key family. It uses
// the snapshot current at call time for both the signature and the appended
// issuer certificate, so a concurrent reload cannot split the chain.
func (b *Backend) issue(tmpl *x509.Certificate, spec keySpec, pub crypto.PublicKey) (leafDER, issuerDER []byte, err error) {
	snap := b.store.Snapshot()
	if spec.kind == kindTLCP {
		if snap.TLCP == nil {
			return nil, nil, errors.New("signer: no CA material for family tlcp")
		}
		// SM2-SM3 with its implicit digest, chosen by the SM2 CA key
		leafDER, err = smx509.CreateCertificate(rand.Reader, tmpl, snap.TLCP.Cert, pub, snap.TLCP.Key)
		if err != nil {
			return nil, nil, fmt.Errorf("signer: sign tlcp certificate: %w", err)
		}
		return leafDER, snap.TLCP.DER, nil
	}

	var issuer *ca.Issuer
	switch spec.kind {
	case kindRSA:
		issuer = snap.RSA
	case kindEC, kindX25519:
		issuer = snap.EC
	case kindEd25519:
		issuer = snap.Ed25519
	}
	if issuer == nil {
		return nil, nil, fmt.Errorf("signer: no CA material for family %s", spec.kind)
	}
	if spec.kind == kindX25519 {
		leafDER, err = issueKeyAgreement(tmpl, issuer, pub.(*ecdh.PublicKey))
		if err != nil {
			return nil, nil, fmt.Errorf("signer: sign x25519 certificate: %w", err)
		}
		return leafDER, issuer.DER, nil
	}
	// digest follows the CA key: SHA-256 for RSA/ECDSA, pure for Ed25519
	leafDER, err = x509.CreateCertificate(rand.Reader, tmpl, issuer.Cert, pub, issuer.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("signer: sign %s certificate: %w", spec.kind, err)
	}
	return leafDER, issuer.DER, nil
}

// issueKeyAgreement mints an X25519 leaf. x509.CreateCertificate refuses
// *ecdh.PublicKey subjects, so the leaf is first issued against a throwaway
// Ed25519 key and the real SubjectPublicKeyInfo is spliced into the
// TBSCertificate before re-signing with the issuer key.
func issueKeyAgreement(tmpl *x509.Certificate, issuer *ca.Issuer, pub *ecdh.PublicKey) ([]byte, error) {
	placeholder, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	seed, err := x509.CreateCertificate(rand.Reader, tmpl, issuer.Cert, placeholder, issuer.Key)
	if err != nil {
		return nil, err
	}
	spki, err := marshalX25519SPKI(pub)
	if err != nil {
		return nil, err
	}
	return resignWithSubjectKey(seed, spki, issuer.Key)
}

func marshalX25519SPKI(pub *ecdh.PublicKey) ([]byte, error) {
	raw := pub.Bytes()
	return asn1.Marshal(subjectPublicKeyInfo{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: oidX25519},
		PublicKey: asn1.BitString{Bytes: raw, BitLength: len(raw) * 8},
	})
}

// resignWithSubjectKey swaps the SubjectPublicKeyInfo inside der for spki and
// signs the rebuilt TBSCertificate with key. The algorithm identifiers in der
// are kept as-is, so key must be the same key that produced der.
func resignWithSubjectKey(der, spki []byte, key crypto.Signer) ([]byte, error) {
	input := cryptobyte.String(der)
	var cert, tbs, sigAlg cryptobyte.String
	if !input.ReadASN1(&cert, cbasn1.SEQUENCE) ||
		!cert.ReadASN1(&tbs, cbasn1.SEQUENCE) ||
		!cert.ReadASN1Element(&sigAlg, cbasn1.SEQUENCE) {
		return nil, errors.New("malformed certificate")
	}

	// TBSCertificate fields up to and including subject stay untouched
	var head []byte
	versionTag := cbasn1.Tag(0).Constructed().ContextSpecific()
	if tbs.PeekASN1Tag(versionTag) {
		var v cryptobyte.String
		if !tbs.ReadASN1Element(&v, versionTag) {
			return nil, errors.New("malformed tbs version")
		}
		head = append(head, v...)
	}
	// serial, signature algorithm, issuer, validity, subject
	for i := 0; i < 5; i++ {
		tag := cbasn1.SEQUENCE
		if i == 0 {
			tag = cbasn1.INTEGER
		}
		var e cryptobyte.String
		if !tbs.ReadASN1Element(&e, tag) {
			return nil, errors.New("malformed tbs")
		}
		head = append(head, e...)
	}
	var oldSPKI cryptobyte.String
	if !tbs.ReadASN1Element(&oldSPKI, cbasn1.SEQUENCE) {
		return nil, errors.New("malformed tbs subject key")
	}

	var tbsB cryptobyte.Builder
	tbsB.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(head)
		b.AddBytes(spki)
		b.AddBytes(tbs) // extensions and anything after the SPKI
	})
	newTBS, err := tbsB.Bytes()
	if err != nil {
		return nil, err
	}

	hash := issuerHash(key)
	digest := newTBS
	if hash != crypto.Hash(0) {
		h := hash.New()
		h.Write(newTBS)
		digest = h.Sum(nil)
	}
	sig, err := key.Sign(rand.Reader, digest, hash)
	if err != nil {
		return nil, err
	}

	var certB cryptobyte.Builder
	certB.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(newTBS)
		b.AddBytes(sigAlg)
		b.AddASN1BitString(sig)
	})
	return certB.Bytes()
}

// issuerHash mirrors the digest x509.CreateCertificate picks for the CA key.
func issuerHash(key crypto.Signer) crypto.Hash {
	switch pub := key.Public().(type) {
	case *ecdsa.PublicKey:
		switch pub.Curve {
		case elliptic.P384():
			return crypto.SHA384
		case elliptic.P521():
			return crypto.SHA512
		}
		return crypto.SHA256
	case ed25519.PublicKey:
		return crypto.Hash(0) // Ed25519 signs the message directly
	}
	return crypto.SHA256
}

func generateKey(spec keySpec) (pub crypto.PublicKey, priv any, err error) {
	switch spec.kind {
	case kindRSA:
		bits := spec.rsaBits
		if bits < 2048 {
			bits = 2048
		}
		if bits > 4096 {
			bits = 4096
		}
		k, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, nil, err
		}
		return &k.PublicKey, k, nil
	case kindEC:
		curve := spec.curve
		if curve == nil {
			curve = elliptic.P256()
		}
		k, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return &k.PublicKey, k, nil
	case kindEd25519:
		pubKey, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return pubKey, k, nil
	case kindX25519:
		k, err := ecdh.X25519().GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return k.PublicKey(), k, nil
	case kindTLCP:
		k, err := sm2.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return k.Public(), k, nil
	}
	return nil, nil, fmt.Errorf("signer: unknown key kind %d", spec.kind)
}

func marshalKey(priv any) ([]byte, error) {
	if k, ok := priv.(*sm2.PrivateKey); ok {
		return smx509.MarshalPKCS8PrivateKey(k)
	}
	return x509.MarshalPKCS8PrivateKey(priv)
}

// keyUsageFor builds the key-usage bits per algorithm family. They are never
// copied from the mimicked certificate: the minted key is our own material
// and gets the profile its algorithm can actually serve.
func keyUsageFor(kind keyKind, usage agentproto.CertUsage) x509.KeyUsage {
	switch kind {
	case kindEd25519:
		return x509.KeyUsageDigitalSignature
	case kindX25519:
		return x509.KeyUsageKeyAgreement
	case kindTLCP:
		if usage == agentproto.UsageTLCPServerEnc {
			return x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment | x509.KeyUsageKeyAgreement
		}
		return x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment
	}
	return x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageKeyAgreement
}

func extKeyUsageFor(usage agentproto.CertUsage) []x509.ExtKeyUsage {
	if usage == agentproto.UsageTLSClientAuth {
		return []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}
	return []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
}

// SPKI algorithm identifiers the standard library cannot key on, plus the
// X25519 identifier used when assembling key-agreement leaves by hand.
var (
	oidX25519 = asn1.ObjectIdentifier{1, 3, 101, 110}
	oidX448   = asn1.ObjectIdentifier{1, 3, 101, 111}
	oidEd448  = asn1.ObjectIdentifier{1, 3, 101, 113}
)

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

func parseMimic(der []byte) (*mimicProfile, error) {
	cert, err := parseAnyCert(der)
	if err != nil {
		return nil, err
	}
	spec, err := classifyKey(cert)
	if err != nil {
		return nil, err
	}
	return &mimicProfile{
		subject:  cert.Subject,
		dnsNames: cert.DNSNames,
		ips:      cert.IPAddresses,
		emails:   cert.EmailAddresses,
		uris:     cert.URIs,
		notAfter: cert.NotAfter,
		spec:     spec,
	}, nil
}

// parseAnyCert accepts both standard and SM2 certificates.
func parseAnyCert(der []byte) (*x509.Certificate, error) {
	if c, err := x509.ParseCertificate(der); err == nil {
		return c, nil
	}
	c, err := smx509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return c.ToX509(), nil
}

// classifyKey maps the mimicked public key to a generation strategy.
// Families Go cannot generate for (Ed448, X448) fall back to the nearest
// supported family with the same signature/agreement capability.
func classifyKey(cert *x509.Certificate) (keySpec, error) {
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return keySpec{kind: kindRSA, rsaBits: pub.Size() * 8}, nil
	case *ecdsa.PublicKey:
		if pub.Curve == sm2.P256() {
			return keySpec{kind: kindTLCP}, nil
		}
		return keySpec{kind: kindEC, curve: supportedCurve(pub.Curve)}, nil
	case ed25519.PublicKey:
		return keySpec{kind: kindEd25519}, nil
	case *ecdh.PublicKey:
		if pub.Curve() == ecdh.X25519() {
			return keySpec{kind: kindX25519}, nil
		}
		return keySpec{kind: kindEC, curve: elliptic.P256()}, nil
	}

	// stdlib leaves PublicKey nil for algorithms it does not know; look at
	// the raw SPKI algorithm identifier for the ones we can substitute
	var info subjectPublicKeyInfo
	if _, err := asn1.Unmarshal(cert.RawSubjectPublicKeyInfo, &info); err != nil {
		return keySpec{}, fmt.Errorf("parse mimic SPKI: %w", err)
	}
	switch {
	case info.Algorithm.Algorithm.Equal(oidEd448):
		return keySpec{kind: kindEd25519}, nil
	case info.Algorithm.Algorithm.Equal(oidX448):
		return keySpec{kind: kindX25519}, nil
	}
	return keySpec{}, fmt.Errorf("unsupported mimic key algorithm %v", info.Algorithm.Algorithm)
}

func supportedCurve(c elliptic.Curve) elliptic.Curve {
	switch c {
	case elliptic.P256(), elliptic.P384(), elliptic.P521():
		return c
	}
	return elliptic.P256()
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
