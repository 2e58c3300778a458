package cachekey

import (
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// HeaderMatch selects the request headers that are part of a cache key.
// The zero value matches no headers.
type HeaderMatch struct {
	// All matches every header except the default set sent by most clients
	// (User-Agent, Accept, Accept-Encoding, Connection) and the conditional
	// headers added during revalidation.
	All bool

	// Names lists specific headers to match. Ignored when All is set.
	Names []string
}

// MatchAll matches all non-default headers.
func MatchAll() HeaderMatch {
	return HeaderMatch{All: true}
}

// MatchNames matches the named headers only.
func MatchNames(names ...string) HeaderMatch {
	return HeaderMatch{Names: names}
}

// Enabled reports whether any header is matched.
func (m HeaderMatch) Enabled() bool {
	return m.All || len(m.Names) > 0
}

// String implements fmt.Stringer.
func (m HeaderMatch) String() string {
	switch {
	case m.All:
		return "true"
	case len(m.Names) > 0:
		return strings.Join(m.Names, ",")
	default:
		return "false"
	}
}

// UnmarshalText accepts a boolean or a comma-separated list of header names.
func (m *HeaderMatch) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if b, err := strconv.ParseBool(s); err == nil {
		*m = HeaderMatch{All: b}
		return nil
	}

	*m = HeaderMatch{}
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			m.Names = append(m.Names, name)
		}
	}
	return nil
}

// UnmarshalYAML accepts a boolean, a comma-separated string or a list of names.
func (m *HeaderMatch) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.SequenceNode {
		var names []string
		if err := value.Decode(&names); err != nil {
			return err
		}
		*m = HeaderMatch{Names: names}
		return nil
	}
	return m.UnmarshalText([]byte(value.Value))
}
