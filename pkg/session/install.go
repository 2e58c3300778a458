package session

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/requests-cache/requests-cache-sub000/pkg/logging"
)

var (
	logger = logging.NewLogger("session")

	defaultSession atomic.Pointer[Session]

	installMu         sync.Mutex
	previousTransport http.RoundTripper
	installed         bool
)

// Install makes s the process-wide default session and routes
// http.DefaultClient through it. Installing again replaces the previous
// session; Uninstall restores the original transport.
func Install(s *Session) {
	installMu.Lock()
	defer installMu.Unlock()

	if !installed {
		previousTransport = http.DefaultClient.Transport
		installed = true
	}
	defaultSession.Store(s)
	http.DefaultClient.Transport = s.Transport()
	logger.Info().Str("backend", s.cache.Backend()).Msg("Installed default caching session")
}

// Uninstall clears the default session and restores http.DefaultClient. It
// does not close the session.
func Uninstall() {
	installMu.Lock()
	defer installMu.Unlock()

	if !installed {
		return
	}
	http.DefaultClient.Transport = previousTransport
	previousTransport = nil
	installed = false
	defaultSession.Store(nil)
	logger.Info().Msg("Uninstalled default caching session")
}

// Default returns the installed session, or nil.
func Default() *Session {
	return defaultSession.Load()
}
