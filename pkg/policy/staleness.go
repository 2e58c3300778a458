package policy

import (
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Staleness is a tolerance window for serving expired responses. The zero
// value tolerates nothing.
type Staleness struct {
	enabled bool
	limit   time.Duration // 0 means unlimited
}

// StaleAlways tolerates any staleness.
func StaleAlways() Staleness { return Staleness{enabled: true} }

// StaleFor tolerates responses up to d past their expiration.
// A non-positive d disables the window.
func StaleFor(d time.Duration) Staleness {
	if d <= 0 {
		return Staleness{}
	}
	return Staleness{enabled: true, limit: d}
}

// Enabled reports whether any staleness is tolerated.
func (s Staleness) Enabled() bool { return s.enabled }

// Limit returns the window and whether it is bounded.
func (s Staleness) Limit() (time.Duration, bool) { return s.limit, s.limit > 0 }

// Allows reports whether a response expired at expires may be served at now.
func (s Staleness) Allows(expires, now time.Time) bool {
	switch {
	case !s.enabled:
		return false
	case s.limit == 0:
		return true
	default:
		return now.Before(expires.Add(s.limit))
	}
}

// Or returns s if enabled, otherwise other.
func (s Staleness) Or(other Staleness) Staleness {
	if s.enabled {
		return s
	}
	return other
}

// String implements fmt.Stringer.
func (s Staleness) String() string {
	switch {
	case !s.enabled:
		return "false"
	case s.limit == 0:
		return "true"
	default:
		return s.limit.String()
	}
}

// UnmarshalText accepts a boolean, a number of seconds or a Go duration.
func (s *Staleness) UnmarshalText(text []byte) error {
	v := strings.TrimSpace(string(text))
	if v == "" {
		*s = Staleness{}
		return nil
	}
	switch strings.ToLower(v) {
	case "true":
		*s = StaleAlways()
		return nil
	case "false":
		*s = Staleness{}
		return nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		*s = StaleFor(time.Duration(n) * time.Second)
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*s = StaleFor(d)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Staleness) UnmarshalYAML(value *yaml.Node) error {
	return s.UnmarshalText([]byte(value.Value))
}
