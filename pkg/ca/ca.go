// Package ca loads and holds the signing daemon's CA material.
//
// Responsibilities:
//   - Parse a DN (flexible formats) into pkix.Name
//   - Load per-algorithm-family (root/intermediate certificate, private key)
//     pairs from PEM files
//   - Generate a throwaway self-signed CA set for dev/test use
//   - Hold the loaded material as an immutable snapshot behind an atomic
//     pointer: reload swaps the pointer, in-flight requests keep the
//     snapshot they started with
//
// The private keys never leave this process; only minted leaf material
// crosses the wire.
package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync/atomic"
	"time"

	"github.com/emmansun/gmsm/sm2"
	"github.com/emmansun/gmsm/smx509"
)

// KeyFamily is the algorithm family a CA pair can sign leaves for.
type KeyFamily int

const (
	FamilyRSA KeyFamily = iota
	FamilyEC
	FamilyEd25519
	FamilyTLCP // SM2, dual sign/encrypt certificate variant
)

func (f KeyFamily) String() string {
	switch f {
	case FamilyRSA:
		return "rsa"
	case FamilyEC:
		return "ec"
	case FamilyEd25519:
		return "ed25519"
	case FamilyTLCP:
		return "tlcp"
	}
	return fmt.Sprintf("family(%d)", int(f))
}

// Issuer is one loaded CA certificate and its signing key.
type Issuer struct {
	Cert *x509.Certificate
	Key  crypto.Signer
	DER  []byte // certificate DER, appended to minted chains
}

// PEM returns the issuer certificate as PEM.
func (i *Issuer) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: i.DER})
}

// TLCPIssuer is the SM2 CA used for the TLCP dual-certificate variant.
type TLCPIssuer struct {
	Cert *x509.Certificate
	Key  *sm2.PrivateKey
	DER  []byte
}

// PEM returns the issuer certificate as PEM.
func (i *TLCPIssuer) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: i.DER})
}

// PairPath points at one certificate/key file pair.
type PairPath struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

func (p PairPath) configured() bool { return p.Cert != "" && p.Key != "" }

// Paths configures which CA families are loaded and from where.
type Paths struct {
	RSA     PairPath `yaml:"rsa"`
	EC      PairPath `yaml:"ec"`
	Ed25519 PairPath `yaml:"ed25519"`
	TLCP    PairPath `yaml:"tlcp"`
}

// Configured reports whether at least one family has both files set.
func (p Paths) Configured() bool {
	return p.RSA.configured() || p.EC.configured() || p.Ed25519.configured() || p.TLCP.configured()
}

// Snapshot is one immutable generation of loaded CA material. Families not
// configured are nil; requests needing them fail per-request.
type Snapshot struct {
	RSA        *Issuer
	EC         *Issuer
	Ed25519    *Issuer
	TLCP       *TLCPIssuer
	Generation uint64
	LoadedAt   time.Time
}

// PEM returns all loaded CA certificates concatenated as PEM, for export to
// clients that need to trust the proxy.
func (s *Snapshot) PEM() []byte {
	var out []byte
	for _, i := range []*Issuer{s.RSA, s.EC, s.Ed25519} {
		if i != nil {
			out = append(out, i.PEM()...)
		}
	}
	if s.TLCP != nil {
		out = append(out, s.TLCP.PEM()...)
	}
	return out
}

// Store hands out the current Snapshot and swaps in a new one on Reload.
type Store struct {
	paths Paths
	gen   atomic.Uint64
	snap  atomic.Pointer[Snapshot]
}

// NewStore loads the configured families and returns a ready Store. Missing
// or unparsable material is fatal here, not per-request.
func NewStore(paths Paths) (*Store, error) {
	if !paths.Configured() {
		return nil, errors.New("ca: no CA material configured")
	}
	s := &Store{paths: paths}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStoreFromSnapshot wraps pre-built material (e.g. SelfSigned) in a Store.
// Such a store has no file paths and cannot Reload.
func NewStoreFromSnapshot(snap *Snapshot) *Store {
	s := &Store{}
	snap.Generation = s.gen.Add(1)
	if snap.LoadedAt.IsZero() {
		snap.LoadedAt = time.Now()
	}
	s.snap.Store(snap)
	return s
}

// Snapshot returns the current generation. Callers keep using the returned
// pointer for the whole request even if a reload happens meanwhile.
func (s *Store) Snapshot() *Snapshot { return s.snap.Load() }

// Generation returns the number of successful loads.
func (s *Store) Generation() uint64 { return s.gen.Load() }

// Reload re-reads every configured family from disk and atomically swaps the
// snapshot. On error the previous snapshot stays in place.
func (s *Store) Reload() error {
	if !s.paths.Configured() {
		return errors.New("ca: store has no file paths to reload from")
	}
	snap := &Snapshot{LoadedAt: time.Now()}
	var err error
	if s.paths.RSA.configured() {
		if snap.RSA, err = loadIssuer(s.paths.RSA); err != nil {
			return fmt.Errorf("ca: load rsa pair: %w", err)
		}
		if _, ok := snap.RSA.Key.(*rsa.PrivateKey); !ok {
			return fmt.Errorf("ca: rsa pair key is %T", snap.RSA.Key)
		}
	}
	if s.paths.EC.configured() {
		if snap.EC, err = loadIssuer(s.paths.EC); err != nil {
			return fmt.Errorf("ca: load ec pair: %w", err)
		}
		if _, ok := snap.EC.Key.(*ecdsa.PrivateKey); !ok {
			return fmt.Errorf("ca: ec pair key is %T", snap.EC.Key)
		}
	}
	if s.paths.Ed25519.configured() {
		if snap.Ed25519, err = loadIssuer(s.paths.Ed25519); err != nil {
			return fmt.Errorf("ca: load ed25519 pair: %w", err)
		}
		if _, ok := snap.Ed25519.Key.(ed25519.PrivateKey); !ok {
			return fmt.Errorf("ca: ed25519 pair key is %T", snap.Ed25519.Key)
		}
	}
	if s.paths.TLCP.configured() {
		if snap.TLCP, err = loadTLCPIssuer(s.paths.TLCP); err != nil {
			return fmt.Errorf("ca: load tlcp pair: %w", err)
		}
	}
	snap.Generation = s.gen.Add(1)
	s.snap.Store(snap)
	return nil
}

func loadIssuer(p PairPath) (*Issuer, error) {
	cert, der, err := readCertPEM(p.Cert)
	if err != nil {
		return nil, err
	}
	kb, err := os.ReadFile(p.Key)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", p.Key, err)
	}
	key, err := parsePrivateKeyPEM(kb)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", p.Key, err)
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("certificate %s is not a CA", p.Cert)
	}
	return &Issuer{Cert: cert, Key: key, DER: der}, nil
}

func loadTLCPIssuer(p PairPath) (*TLCPIssuer, error) {
	cb, err := os.ReadFile(p.Cert)
	if err != nil {
		return nil, fmt.Errorf("read cert %s: %w", p.Cert, err)
	}
	block, _ := pem.Decode(cb)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no CERTIFICATE block in %s", p.Cert)
	}
	cert, err := smx509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate %s: %w", p.Cert, err)
	}
	kb, err := os.ReadFile(p.Key)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", p.Key, err)
	}
	kblock, _ := pem.Decode(kb)
	if kblock == nil {
		return nil, fmt.Errorf("no PEM block in %s", p.Key)
	}
	parsed, err := smx509.ParsePKCS8PrivateKey(kblock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", p.Key, err)
	}
	key, ok := parsed.(*sm2.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key %s is %T, want SM2", p.Key, parsed)
	}
	std := cert.ToX509()
	if !std.IsCA {
		return nil, fmt.Errorf("certificate %s is not a CA", p.Cert)
	}
	return &TLCPIssuer{Cert: std, Key: key, DER: block.Bytes}, nil
}

func readCertPEM(path string) (*x509.Certificate, []byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read cert %s: %w", path, err)
	}
	block, _ := pem.Decode(b)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, nil, fmt.Errorf("no CERTIFICATE block in %s", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse certificate %s: %w", path, err)
	}
	return cert, block.Bytes, nil
}

func parsePrivateKeyPEM(b []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	switch block.Type {
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS8 private key: %w", err)
		}
		signer, ok := k.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("PKCS8 key %T cannot sign", k)
		}
		return signer, nil
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing RSA private key: %w", err)
		}
		return k, nil
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing EC private key: %w", err)
		}
		return k, nil
	}
	return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
}

// MarshalPrivateKeyPEM encodes key as a PKCS#8 PEM block, the inverse of
// what parsePrivateKeyPEM accepts.
func MarshalPrivateKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal PKCS8 private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// SelfSigned generates an in-memory CA pair for every family. Meant for dev
// runs and tests; production daemons load pre-provisioned material.
func SelfSigned(name pkix.Name) (*Snapshot, error) {
	snap := &Snapshot{LoadedAt: time.Now()}

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("ca: generate rsa key: %w", err)
	}
	if snap.RSA, err = selfSignIssuer(name, rsaKey); err != nil {
		return nil, err
	}

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ca: generate ec key: %w", err)
	}
	if snap.EC, err = selfSignIssuer(name, ecKey); err != nil {
		return nil, err
	}

	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ca: generate ed25519 key: %w", err)
	}
	if snap.Ed25519, err = selfSignIssuer(name, edKey); err != nil {
		return nil, err
	}

	smKey, err := sm2.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ca: generate sm2 key: %w", err)
	}
	tmpl, err := caTemplate(name)
	if err != nil {
		return nil, err
	}
	der, err := smx509.CreateCertificate(rand.Reader, tmpl, tmpl, smKey.Public(), smKey)
	if err != nil {
		return nil, fmt.Errorf("ca: self-sign sm2 certificate: %w", err)
	}
	smCert, err := smx509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("ca: parse generated sm2 certificate: %w", err)
	}
	snap.TLCP = &TLCPIssuer{Cert: smCert.ToX509(), Key: smKey, DER: der}

	return snap, nil
}

func selfSignIssuer(name pkix.Name, key crypto.Signer) (*Issuer, error) {
	tmpl, err := caTemplate(name)
	if err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("ca: self-sign certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("ca: parse generated certificate: %w", err)
	}
	return &Issuer{Cert: cert, Key: key, DER: der}, nil
}

func caTemplate(name pkix.Name) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	return &x509.Certificate{
		SerialNumber:          serial,
		Subject:               name,
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}, nil
}
