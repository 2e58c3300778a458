package session

import (
	"net/http"
	"time"

	"github.com/requests-cache/requests-cache-sub000/pkg/models"
)

type historyKey struct{}

// history collects a snapshot of every response received while one live
// request follows redirects.
type history struct {
	hops []*models.CachedResponse
}

// redirects returns every hop but the final one.
func (h *history) redirects() []*models.CachedResponse {
	if len(h.hops) == 0 {
		return nil
	}
	return h.hops[:len(h.hops)-1]
}

// originTransport wraps the transport that talks to the origin. It times
// each round trip and records redirect history for the session.
type originTransport struct {
	next http.RoundTripper
}

func (t *originTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}

	start := time.Now()
	resp, err := next.RoundTrip(req)
	RequestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if resp.Request == nil {
		resp.Request = req
	}

	if h, ok := req.Context().Value(historyKey{}).(*history); ok {
		hop := models.NewCachedResponse(resp, nil, time.Time{})
		hop.Elapsed = time.Since(start)
		h.hops = append(h.hops, hop)
	}
	return resp, nil
}

// Transport returns an http.RoundTripper that answers requests through the
// session. Redirects are followed by the session, so an http.Client using it
// receives final responses.
func (s *Session) Transport() http.RoundTripper {
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		resp, err := s.Do(req)
		if err != nil {
			return nil, err
		}
		out := resp.HTTPResponse()
		out.Request = req
		return out, nil
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }
