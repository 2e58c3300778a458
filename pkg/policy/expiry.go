package policy

import (
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/requests-cache/requests-cache-sub000/pkg/models"
	"gopkg.in/yaml.v3"
)

type expiryKind uint8

const (
	kindUnset expiryKind = iota
	kindNever
	kindImmediately
	kindDuration
	kindTime
	kindHTTPDate
)

const (
	// NeverExpire is the numeric sentinel for Never.
	NeverExpire = -1

	// ExpireImmediately is the numeric sentinel for Immediately.
	ExpireImmediately = 0
)

// Expiry is an expiration specification: unset, never, immediately, a
// duration from now, an absolute time or an HTTP date. The zero value is
// unset, which Coalesce skips.
type Expiry struct {
	kind expiryKind
	d    time.Duration
	t    time.Time
	s    string
}

// Never returns an expiry that never expires.
func Never() Expiry { return Expiry{kind: kindNever} }

// Immediately returns an expiry that is already expired when resolved.
// On a request it means "do not cache".
func Immediately() Expiry { return Expiry{kind: kindImmediately} }

// After returns an expiry d from the time it is resolved.
func After(d time.Duration) Expiry { return Expiry{kind: kindDuration, d: d} }

// Seconds converts a number of seconds, honoring the -1 and 0 sentinels.
func Seconds(n int) Expiry {
	switch n {
	case NeverExpire:
		return Never()
	case ExpireImmediately:
		return Immediately()
	default:
		return After(time.Duration(n) * time.Second)
	}
}

// At returns an expiry at an absolute time.
func At(t time.Time) Expiry { return Expiry{kind: kindTime, t: t} }

// HTTPDate returns an expiry at an HTTP date such as an Expires header.
// A date that fails to parse resolves to unset.
func HTTPDate(s string) Expiry { return Expiry{kind: kindHTTPDate, s: s} }

// IsSet reports whether e is anything but the zero value.
// An HTTP date that fails to parse is not set.
func (e Expiry) IsSet() bool {
	if e.kind == kindHTTPDate {
		_, ok := parseHTTPDate(e.s)
		return ok
	}
	return e.kind != kindUnset
}

// IsNever reports whether e never expires.
func (e Expiry) IsNever() bool { return e.kind == kindNever }

// IsImmediately reports whether e is the expire-immediately sentinel.
func (e Expiry) IsImmediately() bool { return e.kind == kindImmediately }

// Time resolves e against the current time. See ExpirationTime.
func (e Expiry) Time() time.Time { return ExpirationTime(e) }

// String implements fmt.Stringer.
func (e Expiry) String() string {
	switch e.kind {
	case kindNever:
		return "never"
	case kindImmediately:
		return "immediately"
	case kindDuration:
		return e.d.String()
	case kindTime:
		return e.t.UTC().Format(time.RFC3339)
	case kindHTTPDate:
		return e.s
	default:
		return "unset"
	}
}

// ExpirationTime resolves an expiry to an absolute UTC time. The zero time
// means "never expires" and is returned for unset, never and unparsable dates.
// Immediately resolves to now.
func ExpirationTime(e Expiry) time.Time {
	switch e.kind {
	case kindImmediately:
		return models.Now()
	case kindDuration:
		return models.Now().Add(e.d)
	case kindTime:
		return models.UTC(e.t)
	case kindHTTPDate:
		t, _ := parseHTTPDate(e.s)
		return models.UTC(t)
	default:
		return time.Time{}
	}
}

// Coalesce returns the first expiry that is set, or unset.
func Coalesce(es ...Expiry) Expiry {
	for _, e := range es {
		if e.IsSet() {
			return e
		}
	}
	return Expiry{}
}

// ParseExpiry parses a configuration value: "-1" or "never", "0" or
// "immediately", a number of seconds, a Go duration ("1h30m"), an RFC 3339
// timestamp or an HTTP date. An empty string is unset.
func ParseExpiry(s string) (Expiry, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "":
		return Expiry{}, nil
	case "never":
		return Never(), nil
	case "immediately":
		return Immediately(), nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return Seconds(n), nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return After(d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return At(t), nil
	}
	if _, ok := parseHTTPDate(s); ok {
		return HTTPDate(s), nil
	}
	return Expiry{}, fmt.Errorf("invalid expiration %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *Expiry) UnmarshalText(text []byte) error {
	parsed, err := ParseExpiry(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (e Expiry) MarshalText() ([]byte, error) {
	if e.kind == kindUnset {
		return nil, nil
	}
	return []byte(e.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (e *Expiry) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expiration must be a scalar", value.Line)
	}
	return e.UnmarshalText([]byte(value.Value))
}

// parseHTTPDate accepts the three formats of RFC 9110 plus RFC 5322.
func parseHTTPDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := http.ParseTime(s); err == nil {
		return t, true
	}
	if t, err := mail.ParseDate(s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
