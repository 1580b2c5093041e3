package agentproto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestRequestRoundTrip(t *testing.T) {
	cases := []Request{
		{Host: "example.com", Service: ServiceTLSServer, Usage: UsageTLSServerAuth},
		{Host: "mail.example.com", Service: ServiceTLSClient, Usage: UsageTLSClientAuth, MimicCert: []byte{0x30, 0x82, 0x01, 0x02}},
		{Host: "sm.example.cn", Service: ServiceTLSServer, Usage: UsageTLCPServerSign},
		{Host: "sm.example.cn", Service: ServiceTLSServer, Usage: UsageTLCPServerEnc, MimicCert: bytes.Repeat([]byte{0xab}, 2000)},
	}
	for _, c := range cases {
		b, err := c.Encode()
		require.NoError(t, err, "encode %s", c.Host)
		got, err := DecodeRequest(b)
		require.NoError(t, err, "decode %s", c.Host)
		assert.Equal(t, c.Host, got.Host)
		assert.Equal(t, c.Service, got.Service)
		assert.Equal(t, c.Usage, got.Usage)
		assert.Equal(t, c.MimicCert, got.MimicCert)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	resp := Response{
		Host:       "example.com",
		Service:    ServiceTLSServer,
		Usage:      UsageTLSServerAuth,
		CertChain:  [][]byte{{0x30, 0x01}, {0x30, 0x02}},
		KeyDER:     []byte{0x30, 0x03},
		TTLSeconds: 3600,
	}
	b, err := resp.Encode()
	require.NoError(t, err)
	got, err := DecodeResponse(b)
	require.NoError(t, err)
	assert.Equal(t, resp, *got)

	req := Request{Host: "example.com", Service: ServiceTLSServer, Usage: UsageTLSServerAuth}
	assert.True(t, got.MatchesRequest(&req))
	req.Host = "other.com"
	assert.False(t, got.MatchesRequest(&req))
}

// Unknown tags must be skipped, not rejected, so a newer peer can add fields.
func TestDecodeSkipsUnknownTags(t *testing.T) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	require.NoError(t, enc.EncodeMapLen(5))
	require.NoError(t, enc.EncodeInt(tagHost))
	require.NoError(t, enc.EncodeString("example.com"))
	require.NoError(t, enc.EncodeInt(tagService))
	require.NoError(t, enc.EncodeInt(int64(ServiceTLSServer)))
	require.NoError(t, enc.EncodeInt(tagUsage))
	require.NoError(t, enc.EncodeInt(int64(UsageTLSServerAuth)))
	// two tags from the future, one scalar and one composite
	require.NoError(t, enc.EncodeInt(98))
	require.NoError(t, enc.EncodeString("whatever"))
	require.NoError(t, enc.EncodeInt(99))
	require.NoError(t, enc.EncodeArrayLen(2))
	require.NoError(t, enc.EncodeInt(1))
	require.NoError(t, enc.EncodeInt(2))

	got, err := DecodeRequest(buf.Bytes())
	require.NoError(t, err, "unknown tags should be ignored")
	assert.Equal(t, "example.com", got.Host)
}

func TestDecodeRequestRejectsBadInput(t *testing.T) {
	cases := map[string][]byte{
		"empty":     {},
		"truncated": {0x82, 0x01},
		"not a map": {0xa3, 'f', 'o', 'o'},
	}
	for name, b := range cases {
		_, err := DecodeRequest(b)
		assert.Error(t, err, name)
	}

	// structurally valid but missing host
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	require.NoError(t, enc.EncodeMapLen(1))
	require.NoError(t, enc.EncodeInt(tagService))
	require.NoError(t, enc.EncodeInt(int64(ServiceTLSServer)))
	_, err := DecodeRequest(buf.Bytes())
	assert.Error(t, err, "missing host")
}

func TestResponseEncodeRequiresCertAndKey(t *testing.T) {
	r := Response{Host: "example.com"}
	_, err := r.Encode()
	assert.Error(t, err)

	r.CertChain = [][]byte{{0x30}}
	_, err = r.Encode()
	assert.Error(t, err, "still missing key")
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "tls-server", ServiceTLSServer.String())
	assert.Equal(t, "tls-client", ServiceTLSClient.String())
	assert.Equal(t, "tlcp-server-enc", UsageTLCPServerEnc.String())
	assert.False(t, ServiceType(9).Valid())
	assert.False(t, CertUsage(9).Valid())
	assert.True(t, UsageTLCPServerSign.IsTLCP())
	assert.False(t, UsageTLSServerAuth.IsTLCP())
}
