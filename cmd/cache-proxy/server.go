package main

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/requests-cache/requests-cache-sub000/pkg/cache"
	"github.com/requests-cache/requests-cache-sub000/pkg/logging"
	"github.com/requests-cache/requests-cache-sub000/pkg/metrics"
	"github.com/requests-cache/requests-cache-sub000/pkg/session"
	"github.com/rs/zerolog"
)

// hopHeaders are not forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type server struct {
	Router   *chi.Mux
	session  *session.Session
	upstream *url.URL
	logger   zerolog.Logger
}

func newServer(s *session.Session, upstream *url.URL) *server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	srv := &server{
		Router:   r,
		session:  s,
		upstream: upstream,
		logger:   logging.NewLogger("proxy"),
	}

	r.Get("/health", srv.health)
	r.Get("/ready", srv.ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.HandleFunc("/proxy/*", srv.proxy)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/keys", srv.listKeys)
		r.Delete("/keys/{key}", srv.deleteKey)
		r.Post("/clear", srv.clear)
		r.Post("/remove-expired", srv.removeExpired)
		r.Post("/prefetch", srv.prefetch)
	})
	return srv
}

func (srv *server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		srv.logger.Error().Err(err).Msg("Failed to write health response")
	}
}

// ready reports whether the cache backend answers.
func (srv *server) ready(w http.ResponseWriter, r *http.Request) {
	if _, err := srv.session.Cache().Len(r.Context()); err != nil {
		srv.logger.Warn().Err(err).Msg("Cache backend not ready")
		http.Error(w, "cache unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// target maps a proxied path and query onto the upstream.
func (srv *server) target(path, rawQuery string) string {
	u := *srv.upstream
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	u.RawPath = ""
	u.RawQuery = rawQuery
	return u.String()
}

func (srv *server) proxy(w http.ResponseWriter, r *http.Request) {
	target := srv.target(chi.URLParam(r, "*"), r.URL.RawQuery)

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		http.Error(w, "invalid upstream request", http.StatusBadRequest)
		return
	}
	req.ContentLength = r.ContentLength
	req.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}

	resp, err := srv.session.Do(req)
	if err != nil {
		srv.logger.Warn().Err(err).Str("method", r.Method).Str("url", target).Msg("Upstream request failed")
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}

	header := w.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
	header.Set("X-Cache", cacheStatus(resp))
	if resp.CacheKey != "" {
		header.Set("X-Cache-Key", resp.CacheKey)
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Bytes()); err != nil {
		srv.logger.Debug().Err(err).Str("url", target).Msg("Failed to write response")
	}
}

func cacheStatus(resp *session.Response) string {
	switch {
	case resp.Revalidated:
		return "REVALIDATED"
	case resp.FromCache:
		return "HIT"
	default:
		return "MISS"
	}
}

type keyInfo struct {
	Key       string `json:"key"`
	URL       string `json:"url"`
	Status    int    `json:"status"`
	CreatedAt string `json:"created_at"`
	Expires   string `json:"expires,omitempty"`
	Expired   bool   `json:"expired"`
}

func (srv *server) listKeys(w http.ResponseWriter, r *http.Request) {
	responses, err := srv.session.Cache().Filter(r.Context(), cache.FilterOptions{Valid: true, Expired: true})
	if err != nil {
		srv.fail(w, err, "list responses")
		return
	}
	out := make([]keyInfo, 0, len(responses))
	for _, resp := range responses {
		info := keyInfo{
			Key:       resp.CacheKey,
			URL:       resp.URL,
			Status:    resp.StatusCode,
			CreatedAt: resp.CreatedAt.Format(time.RFC3339),
			Expired:   resp.IsExpired(),
		}
		if !resp.Expires.IsZero() {
			info.Expires = resp.Expires.Format(time.RFC3339)
		}
		out = append(out, info)
	}
	srv.writeJSON(w, http.StatusOK, out)
}

func (srv *server) deleteKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	found, err := srv.session.Cache().Contains(r.Context(), key)
	if err != nil {
		srv.fail(w, err, "lookup response")
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err := srv.session.Cache().Delete(r.Context(), cache.DeleteOptions{Keys: []string{key}}); err != nil {
		srv.fail(w, err, "delete response")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *server) clear(w http.ResponseWriter, r *http.Request) {
	if err := srv.session.Cache().Clear(r.Context()); err != nil {
		srv.fail(w, err, "clear cache")
		return
	}
	srv.logger.Info().Msg("Cache cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *server) removeExpired(w http.ResponseWriter, r *http.Request) {
	if err := srv.session.Cache().RemoveExpiredResponses(r.Context()); err != nil {
		srv.fail(w, err, "remove expired responses")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type prefetchRequest struct {
	// URLs are upstream paths or absolute URLs
	URLs []string `json:"urls"`

	Concurrency int `json:"concurrency"`
}

type prefetchResult struct {
	URL       string `json:"url"`
	Status    int    `json:"status,omitempty"`
	FromCache bool   `json:"from_cache"`
	Error     string `json:"error,omitempty"`
}

func (srv *server) prefetch(w http.ResponseWriter, r *http.Request) {
	var body prefetchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if len(body.URLs) == 0 {
		http.Error(w, "urls must not be empty", http.StatusBadRequest)
		return
	}

	urls := make([]string, len(body.URLs))
	for i, u := range body.URLs {
		if strings.HasPrefix(u, "/") {
			p, q, _ := strings.Cut(u, "?")
			u = srv.target(p, q)
		}
		urls[i] = u
	}

	cfg := session.DefaultPrefetchConfig()
	if body.Concurrency > 0 {
		cfg.MaxConcurrency = body.Concurrency
	}
	results, err := srv.session.Prefetch(r.Context(), urls, cfg)
	if err != nil {
		srv.fail(w, err, "prefetch")
		return
	}

	out := make([]prefetchResult, len(results))
	for i, res := range results {
		out[i].URL = res.URL
		if res.Err != nil {
			out[i].Error = res.Err.Error()
			continue
		}
		out[i].Status = res.Response.StatusCode
		out[i].FromCache = res.Response.FromCache
	}
	srv.writeJSON(w, http.StatusOK, out)
}

func (srv *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		srv.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (srv *server) fail(w http.ResponseWriter, err error, op string) {
	srv.logger.Error().Err(err).Str("operation", op).Msg("Admin request failed")
	http.Error(w, op+" failed", http.StatusInternalServerError)
}
