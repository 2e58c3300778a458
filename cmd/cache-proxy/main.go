// Command cache-proxy is a caching reverse proxy for a single upstream.
//
// Requests to /proxy/<path> are forwarded to UPSTREAM_URL/<path> through a
// cached session. Cache backend and policy come from the CACHE_* variables
// documented in pkg/config.
package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/requests-cache/requests-cache-sub000/pkg/config"
	"github.com/requests-cache/requests-cache-sub000/pkg/logging"
	"github.com/rs/zerolog/log"
)

// proxyConfig holds the settings of the proxy itself.
type proxyConfig struct {
	Upstream        string        `env:"UPSTREAM_URL,required"`
	ListenAddr      string        `env:"LISTEN_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Setup(cfg.Log)

	pcfg, err := env.ParseAs[proxyConfig]()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load proxy configuration")
	}
	upstream, err := url.Parse(pcfg.Upstream)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		log.Fatal().Str("upstream", pcfg.Upstream).Msg("UPSTREAM_URL must be an absolute URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := cfg.OpenSession(ctx)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Cache.Backend).Msg("Failed to open cache")
	}
	defer s.Close()

	srv := &http.Server{
		Addr:              pcfg.ListenAddr,
		Handler:           newServer(s, upstream).Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", pcfg.ListenAddr).
			Str("upstream", upstream.String()).
			Str("backend", cfg.Cache.Backend).
			Msg("Starting cache proxy")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), pcfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}
	log.Info().Msg("Cache proxy stopped")
}
