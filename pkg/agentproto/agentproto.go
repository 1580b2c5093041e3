// Package agentproto defines the datagram protocol spoken between a proxy's
// certificate agent and the certforged signing daemon.
//
// A request and its response are each a single MessagePack map whose keys are
// small integer field tags. Tags are stable; receivers skip tags they do not
// know, so fields can be added without breaking older peers. One datagram
// carries exactly one message and there is no retry layer — a lost packet
// surfaces as a client-side timeout.
package agentproto

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Field tags shared by requests and responses.
const (
	tagHost    = 1
	tagService = 2
	tagUsage   = 3
	tagCert    = 4 // request: mimic cert DER; response: minted chain
	tagKey     = 5 // response only: PKCS#8 private key DER
	tagTTL     = 6 // response only: cache lifetime in seconds
)

// ServiceType says which side of the intercepted connection the certificate
// is for.
type ServiceType uint8

const (
	// ServiceTLSServer terminates TLS toward the intercepted client.
	ServiceTLSServer ServiceType = iota
	// ServiceTLSClient presents a client certificate to the upstream.
	ServiceTLSClient
)

func (s ServiceType) String() string {
	switch s {
	case ServiceTLSServer:
		return "tls-server"
	case ServiceTLSClient:
		return "tls-client"
	}
	return fmt.Sprintf("service(%d)", uint8(s))
}

// Valid reports whether s is a defined service type.
func (s ServiceType) Valid() bool { return s <= ServiceTLSClient }

// CertUsage selects the key-usage profile of the minted certificate.
type CertUsage uint8

const (
	// UsageTLSServerAuth is a general TLS server certificate.
	UsageTLSServerAuth CertUsage = iota
	// UsageTLSClientAuth is a general TLS client certificate.
	UsageTLSClientAuth
	// UsageTLCPServerSign is the signing half of a TLCP server pair.
	UsageTLCPServerSign
	// UsageTLCPServerEnc is the encryption half of a TLCP server pair.
	UsageTLCPServerEnc
)

func (u CertUsage) String() string {
	switch u {
	case UsageTLSServerAuth:
		return "tls-server-auth"
	case UsageTLSClientAuth:
		return "tls-client-auth"
	case UsageTLCPServerSign:
		return "tlcp-server-sign"
	case UsageTLCPServerEnc:
		return "tlcp-server-enc"
	}
	return fmt.Sprintf("usage(%d)", uint8(u))
}

// Valid reports whether u is a defined usage.
func (u CertUsage) Valid() bool { return u <= UsageTLCPServerEnc }

// IsTLCP reports whether u belongs to the TLCP dual-certificate variant.
func (u CertUsage) IsTLCP() bool {
	return u == UsageTLCPServerSign || u == UsageTLCPServerEnc
}

// Request asks the daemon to mint one certificate.
type Request struct {
	Host      string
	Service   ServiceType
	Usage     CertUsage
	MimicCert []byte // optional DER of the upstream certificate to mimic
}

// Encode serializes the request into a single datagram payload.
func (r *Request) Encode() ([]byte, error) {
	if r.Host == "" {
		return nil, errors.New("agentproto: request host is empty")
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	n := 3
	if len(r.MimicCert) > 0 {
		n++
	}
	if err := enc.EncodeMapLen(n); err != nil {
		return nil, err
	}
	if err := encodeString(enc, tagHost, r.Host); err != nil {
		return nil, err
	}
	if err := encodeInt(enc, tagService, int64(r.Service)); err != nil {
		return nil, err
	}
	if err := encodeInt(enc, tagUsage, int64(r.Usage)); err != nil {
		return nil, err
	}
	if len(r.MimicCert) > 0 {
		if err := encodeBytes(enc, tagCert, r.MimicCert); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeRequest parses a request datagram. Unknown tags are skipped.
func DecodeRequest(b []byte) (*Request, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, fmt.Errorf("agentproto: decode request map: %w", err)
	}
	var r Request
	for i := 0; i < n; i++ {
		tag, err := dec.DecodeInt()
		if err != nil {
			return nil, fmt.Errorf("agentproto: decode request tag: %w", err)
		}
		switch tag {
		case tagHost:
			if r.Host, err = dec.DecodeString(); err != nil {
				return nil, fmt.Errorf("agentproto: decode host: %w", err)
			}
		case tagService:
			v, err := dec.DecodeInt()
			if err != nil {
				return nil, fmt.Errorf("agentproto: decode service: %w", err)
			}
			r.Service = ServiceType(v)
		case tagUsage:
			v, err := dec.DecodeInt()
			if err != nil {
				return nil, fmt.Errorf("agentproto: decode usage: %w", err)
			}
			r.Usage = CertUsage(v)
		case tagCert:
			if r.MimicCert, err = dec.DecodeBytes(); err != nil {
				return nil, fmt.Errorf("agentproto: decode mimic cert: %w", err)
			}
		default:
			if err := dec.Skip(); err != nil {
				return nil, fmt.Errorf("agentproto: skip tag %d: %w", tag, err)
			}
		}
	}
	if r.Host == "" {
		return nil, errors.New("agentproto: request missing host")
	}
	if !r.Service.Valid() {
		return nil, fmt.Errorf("agentproto: unknown service %d", r.Service)
	}
	if !r.Usage.Valid() {
		return nil, fmt.Errorf("agentproto: unknown usage %d", r.Usage)
	}
	return &r, nil
}

// Response carries one minted certificate back to the agent. Host, Service
// and Usage echo the request for correlation.
type Response struct {
	Host       string
	Service    ServiceType
	Usage      CertUsage
	CertChain  [][]byte // DER, leaf first
	KeyDER     []byte   // PKCS#8
	TTLSeconds uint32
}

// Encode serializes the response into a single datagram payload.
func (r *Response) Encode() ([]byte, error) {
	if len(r.CertChain) == 0 || len(r.KeyDER) == 0 {
		return nil, errors.New("agentproto: response missing cert or key")
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(6); err != nil {
		return nil, err
	}
	if err := encodeString(enc, tagHost, r.Host); err != nil {
		return nil, err
	}
	if err := encodeInt(enc, tagService, int64(r.Service)); err != nil {
		return nil, err
	}
	if err := encodeInt(enc, tagUsage, int64(r.Usage)); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(tagCert); err != nil {
		return nil, err
	}
	if err := enc.EncodeArrayLen(len(r.CertChain)); err != nil {
		return nil, err
	}
	for _, der := range r.CertChain {
		if err := enc.EncodeBytes(der); err != nil {
			return nil, err
		}
	}
	if err := encodeBytes(enc, tagKey, r.KeyDER); err != nil {
		return nil, err
	}
	if err := encodeInt(enc, tagTTL, int64(r.TTLSeconds)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeResponse parses a response datagram. Unknown tags are skipped.
func DecodeResponse(b []byte) (*Response, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, fmt.Errorf("agentproto: decode response map: %w", err)
	}
	var r Response
	for i := 0; i < n; i++ {
		tag, err := dec.DecodeInt()
		if err != nil {
			return nil, fmt.Errorf("agentproto: decode response tag: %w", err)
		}
		switch tag {
		case tagHost:
			if r.Host, err = dec.DecodeString(); err != nil {
				return nil, fmt.Errorf("agentproto: decode host: %w", err)
			}
		case tagService:
			v, err := dec.DecodeInt()
			if err != nil {
				return nil, fmt.Errorf("agentproto: decode service: %w", err)
			}
			r.Service = ServiceType(v)
		case tagUsage:
			v, err := dec.DecodeInt()
			if err != nil {
				return nil, fmt.Errorf("agentproto: decode usage: %w", err)
			}
			r.Usage = CertUsage(v)
		case tagCert:
			cnt, err := dec.DecodeArrayLen()
			if err != nil {
				return nil, fmt.Errorf("agentproto: decode chain: %w", err)
			}
			r.CertChain = make([][]byte, 0, cnt)
			for j := 0; j < cnt; j++ {
				der, err := dec.DecodeBytes()
				if err != nil {
					return nil, fmt.Errorf("agentproto: decode chain cert %d: %w", j, err)
				}
				r.CertChain = append(r.CertChain, der)
			}
		case tagKey:
			if r.KeyDER, err = dec.DecodeBytes(); err != nil {
				return nil, fmt.Errorf("agentproto: decode key: %w", err)
			}
		case tagTTL:
			v, err := dec.DecodeInt()
			if err != nil {
				return nil, fmt.Errorf("agentproto: decode ttl: %w", err)
			}
			if v < 0 {
				return nil, fmt.Errorf("agentproto: negative ttl %d", v)
			}
			r.TTLSeconds = uint32(v)
		default:
			if err := dec.Skip(); err != nil {
				return nil, fmt.Errorf("agentproto: skip tag %d: %w", tag, err)
			}
		}
	}
	if len(r.CertChain) == 0 || len(r.KeyDER) == 0 {
		return nil, errors.New("agentproto: response missing cert or key")
	}
	return &r, nil
}

// MatchesRequest reports whether the echoed correlation fields equal req's.
// A response that does not match must be discarded by the client.
func (r *Response) MatchesRequest(req *Request) bool {
	return r.Host == req.Host && r.Service == req.Service && r.Usage == req.Usage
}

func encodeString(enc *msgpack.Encoder, tag int, v string) error {
	if err := enc.EncodeInt(int64(tag)); err != nil {
		return err
	}
	return enc.EncodeString(v)
}

func encodeInt(enc *msgpack.Encoder, tag int, v int64) error {
	if err := enc.EncodeInt(int64(tag)); err != nil {
		return err
	}
	return enc.EncodeInt(v)
}

func encodeBytes(enc *msgpack.Encoder, tag int, v []byte) error {
	if err := enc.EncodeInt(int64(tag)); err != nil {
		return err
	}
	return enc.EncodeBytes(v)
}
