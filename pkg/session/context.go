package session

import (
	"context"

	"github.com/requests-cache/requests-cache-sub000/pkg/policy"
)

type contextKey int

const (
	disabledKey contextKey = iota
	requestSettingsKey
)

// WithCacheDisabled returns a context whose requests bypass the cache
// entirely: nothing is read or written.
func WithCacheDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, disabledKey, true)
}

// WithRequestSettings returns a context carrying per request overrides.
func WithRequestSettings(ctx context.Context, rs policy.RequestSettings) context.Context {
	return context.WithValue(ctx, requestSettingsKey, rs)
}

func cacheDisabled(ctx context.Context) bool {
	disabled, _ := ctx.Value(disabledKey).(bool)
	return disabled
}

func requestSettings(ctx context.Context) policy.RequestSettings {
	rs, _ := ctx.Value(requestSettingsKey).(policy.RequestSettings)
	return rs
}

// CacheDisabled runs fn with the cache disabled for every request the
// session sends meanwhile, from any goroutine. The cache is re-enabled when
// fn returns or panics. Calls may nest.
func (s *Session) CacheDisabled(fn func() error) error {
	s.disabled.Add(1)
	defer s.disabled.Add(-1)
	return fn()
}
