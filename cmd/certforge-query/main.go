// Command certforge-query is a one-shot client for the signing daemon: it
// requests a certificate for one host and prints the minted chain and key as
// PEM. Useful for smoke-testing a daemon and for shell pipelines.
package main

import (
	"context"
	"crypto/tls"
	"encoding/pem"
	"os"
	"time"

	flag "github.com/jnovack/flag"
	"github.com/rs/zerolog/log"

	"github.com/jnovack/cert-forge/pkg/agentproto"
	"github.com/jnovack/cert-forge/pkg/certagent"
	"github.com/jnovack/cert-forge/pkg/logging"
)

var (
	flagDaemon   = flag.String("daemon", certagent.DefaultDaemonAddr, "UDP address of certforged")
	flagHost     = flag.String("host", "", "host (host or host:port) to mint a certificate for")
	flagUsage    = flag.String("usage", "server", "certificate usage: server|client|tlcp-sign|tlcp-enc")
	flagMimic    = flag.String("mimic", "", "file with the upstream certificate to mimic (PEM or DER)")
	flagDial     = flag.Bool("dial", false, "fetch the mimic certificate live from host via TLS")
	flagTimeout  = flag.Duration("timeout", 5*time.Second, "overall request timeout")
	flagLogLevel = flag.String("log-level", "warn", "log level: debug|info|warn|error")
)

func usageFromFlag(s string) (agentproto.ServiceType, agentproto.CertUsage) {
	switch s {
	case "server":
		return agentproto.ServiceTLSServer, agentproto.UsageTLSServerAuth
	case "client":
		return agentproto.ServiceTLSClient, agentproto.UsageTLSClientAuth
	case "tlcp-sign":
		return agentproto.ServiceTLSServer, agentproto.UsageTLCPServerSign
	case "tlcp-enc":
		return agentproto.ServiceTLSServer, agentproto.UsageTLCPServerEnc
	}
	log.Fatal().Str("usage", s).Msg("unknown -usage value")
	return 0, 0
}

// mimicBytes loads the mimic certificate from file or a live TLS dial.
func mimicBytes(ctx context.Context) []byte {
	if *flagMimic != "" {
		raw, err := os.ReadFile(*flagMimic)
		if err != nil {
			log.Fatal().Err(err).Str("file", *flagMimic).Msg("read mimic file")
		}
		if block, _ := pem.Decode(raw); block != nil {
			return block.Bytes
		}
		return raw // assume DER
	}
	if !*flagDial {
		return nil
	}
	d := tls.Dialer{Config: &tls.Config{InsecureSkipVerify: true}} //nolint:gosec // only mimicked, never trusted
	conn, err := d.DialContext(ctx, "tcp", *flagHost)
	if err != nil {
		log.Fatal().Err(err).Str("host", *flagHost).Msg("dial upstream")
	}
	defer conn.Close()
	certs := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		log.Fatal().Str("host", *flagHost).Msg("upstream sent no certificate")
	}
	return certs[0].Raw
}

func main() {
	flag.Parse()
	logging.Setup(*flagLogLevel, true)
	if *flagHost == "" {
		log.Fatal().Msg("-host is required")
	}
	service, usage := usageFromFlag(*flagUsage)

	ctx, cancel := context.WithTimeout(context.Background(), *flagTimeout)
	defer cancel()

	agent := certagent.New(certagent.Config{
		DaemonAddr:     *flagDaemon,
		RequestTimeout: *flagTimeout,
	})
	defer agent.Close()

	pair, ok := agent.Fetch(ctx, service, usage, *flagHost, mimicBytes(ctx))
	if !ok {
		log.Fatal().Str("host", *flagHost).Msg("minting failed")
	}

	out := os.Stdout
	for _, der := range pair.CertChain {
		_ = pem.Encode(out, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	}
	_ = pem.Encode(out, &pem.Block{Type: "PRIVATE KEY", Bytes: pair.KeyDER})
}
