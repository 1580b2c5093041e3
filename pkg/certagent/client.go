package certagent

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jnovack/cert-forge/pkg/agentproto"
)

// maxDatagram bounds a response datagram. Chains of a leaf plus an
// intermediate stay well under this even for RSA-4096 material.
const maxDatagram = 64 << 10

// client performs one-shot UDP exchanges with the signing daemon. Each round
// trip uses its own socket so concurrent requests cannot cross responses;
// correlation is additionally checked against the echoed request fields.
// There are no retries: at-most-once delivery, the cache timeout is the only
// reliability mechanism.
type client struct {
	addr string
}

func (c *client) roundTrip(ctx context.Context, req *agentproto.Request) (*agentproto.Response, error) {
	payload, err := req.Encode()
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("certagent: dial daemon %s: %w", c.addr, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("certagent: send request: %w", err)
	}

	buf := make([]byte, maxDatagram)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("certagent: read response: %w", err)
	}
	resp, err := agentproto.DecodeResponse(buf[:n])
	if err != nil {
		return nil, fmt.Errorf("certagent: decode response: %w", err)
	}
	if !resp.MatchesRequest(req) {
		return nil, fmt.Errorf("certagent: response for %s/%s/%s does not match request %s/%s/%s",
			resp.Service, resp.Usage, resp.Host, req.Service, req.Usage, req.Host)
	}
	return resp, nil
}
