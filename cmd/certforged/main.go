// Command certforged is the isolated signing daemon. It holds the CA private
// keys, answers minting requests over loopback UDP and exposes admin HTTP
// endpoints. The interception proxy itself never sees the CA keys.
package main

import (
	"context"
	"net/http"
	"os"
	"time"

	flag "github.com/jnovack/flag"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/jnovack/cert-forge/pkg/admin"
	"github.com/jnovack/cert-forge/pkg/ca"
	"github.com/jnovack/cert-forge/pkg/logging"
	"github.com/jnovack/cert-forge/pkg/signals"
	"github.com/jnovack/cert-forge/pkg/signer"
)

var (
	flagAddr        = flag.String("addr", "127.0.0.1:2999", "UDP listen address for signing requests")
	flagAdminAddr   = flag.String("admin-addr", "127.0.0.1:8080", "admin HTTP listen address")
	flagConfig      = flag.String("config", "", "YAML config file with CA material paths")
	flagDN          = flag.String("dn", "jnovack/cert-forge", "DN for self-signed CA material when no config is given")
	flagCAOut       = flag.String("ca-out", "", "write the CA certificate bundle (PEM) to this file on startup")
	flagMaxValidity = flag.Duration("max-validity", 30*24*time.Hour, "cap on minted certificate validity")
	flagMaxTTL      = flag.Duration("max-ttl", time.Hour, "cap on cache TTL advertised to agents")
	flagMaxInflight = flag.Int64("max-inflight", 64, "maximum concurrent signing requests")
	flagLogLevel    = flag.String("log-level", "info", "log level: debug|info|warn|error")
	flagLogPretty   = flag.Bool("log-pretty", false, "human-readable console logging")
)

// fileConfig is the YAML shape of -config.
type fileConfig struct {
	CA ca.Paths `yaml:"ca"`
}

func loadStore() *ca.Store {
	if *flagConfig != "" {
		raw, err := os.ReadFile(*flagConfig)
		if err != nil {
			log.Fatal().Err(err).Str("file", *flagConfig).Msg("read config")
		}
		var cfg fileConfig
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			log.Fatal().Err(err).Str("file", *flagConfig).Msg("parse config")
		}
		if cfg.CA.Configured() {
			store, err := ca.NewStore(cfg.CA)
			if err != nil {
				log.Fatal().Err(err).Msg("load CA material")
			}
			return store
		}
		log.Warn().Str("file", *flagConfig).Msg("config has no CA paths, falling back to self-signed")
	}

	// Dev mode: mint throwaway CA material for every family.
	name, err := ca.ParseDN(*flagDN)
	if err != nil {
		log.Fatal().Err(err).Str("dn", *flagDN).Msg("parse dn")
	}
	snap, err := ca.SelfSigned(name)
	if err != nil {
		log.Fatal().Err(err).Msg("generate self-signed CA material")
	}
	log.Info().Str("dn", *flagDN).Msg("using self-signed CA material")
	return ca.NewStoreFromSnapshot(snap)
}

func main() {
	flag.Parse()
	logging.Setup(*flagLogLevel, *flagLogPretty)
	log.Info().Str("addr", *flagAddr).Msg("starting certforged")

	store := loadStore()

	if *flagCAOut != "" {
		if err := os.WriteFile(*flagCAOut, store.Snapshot().PEM(), 0o644); err != nil {
			log.Fatal().Err(err).Str("file", *flagCAOut).Msg("write CA bundle")
		}
		log.Info().Str("file", *flagCAOut).Msg("wrote CA bundle")
	}

	metrics := admin.NewMetrics()

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/healthz", admin.HandleHealth)
	adminMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) { admin.HandleMetrics(w, metrics) })
	adminMux.HandleFunc("/statusz", func(w http.ResponseWriter, r *http.Request) { admin.HandleStatusz(w, metrics) })
	adminMux.HandleFunc("/varz", func(w http.ResponseWriter, r *http.Request) {
		admin.HandleVarz(w, map[string]interface{}{
			"addr":          *flagAddr,
			"max_validity":  flagMaxValidity.String(),
			"max_ttl":       flagMaxTTL.String(),
			"ca_generation": store.Generation(),
		})
	})
	adminMux.HandleFunc("/cert", func(w http.ResponseWriter, r *http.Request) {
		pem := store.Snapshot().PEM()
		if len(pem) == 0 {
			http.Error(w, "no cert available", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/x-pem-file")
		_, _ = w.Write(pem)
	})

	adminSrv := &http.Server{Addr: *flagAdminAddr, Handler: adminMux, ReadHeaderTimeout: 15 * time.Second}
	go func() {
		log.Info().Str("addr", *flagAdminAddr).Msg("admin HTTP starting")
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("admin HTTP failed")
		}
	}()

	backend := signer.NewBackend(store, signer.Config{
		MaxValidity: *flagMaxValidity,
		MaxTTL:      *flagMaxTTL,
	})
	srv, err := signer.NewServer(backend, signer.ServerConfig{
		Addr:        *flagAddr,
		MaxInflight: *flagMaxInflight,
		Metrics:     metrics,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("bind signing socket")
	}

	// SIGHUP picks up rotated CA files without dropping in-flight requests.
	stopCh := make(chan struct{})
	ctx := signals.Setup(stopCh, func() {
		if err := store.Reload(); err != nil {
			log.Error().Err(err).Msg("CA reload failed, keeping previous material")
			return
		}
		metrics.IncCAReloads()
		log.Info().Uint64("generation", store.Generation()).Msg("CA material reloaded")
	})

	srvErrCh := make(chan error, 1)
	go func() { srvErrCh <- srv.Serve(ctx) }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case err := <-srvErrCh:
		if err != nil {
			log.Error().Err(err).Msg("signing server failed")
		}
	}

	ctxShut, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Close()
	_ = adminSrv.Shutdown(ctxShut)
	log.Info().Msg("certforged stopped")
}
