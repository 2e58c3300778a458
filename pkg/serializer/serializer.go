// Package serializer converts cached responses to and from bytes for storage.
//
// Every serializer must round-trip a models.CachedResponse through any number
// of Dumps/Loads cycles without losing headers, body, status, cookies,
// redirect history or timestamps.
package serializer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/requests-cache/requests-cache-sub000/pkg/models"
)

var (
	// ErrUnknown is returned by Get for an unregistered serializer name.
	ErrUnknown = errors.New("unknown serializer")

	// ErrBadSignature is returned by a signed serializer when a value was
	// not produced with the same secret, or was modified after writing.
	ErrBadSignature = errors.New("bad signature")
)

// Serializer converts cached responses to and from bytes.
type Serializer interface {
	// Name identifies the format, e.g. "json"
	Name() string

	// Dumps encodes a response.
	Dumps(r *models.CachedResponse) ([]byte, error)

	// Loads decodes a response previously encoded by Dumps.
	// The result has all timestamps normalized to UTC.
	Loads(data []byte) (*models.CachedResponse, error)
}

var registry = map[string]Serializer{
	"json":    JSON{},
	"msgpack": Msgpack{},
	"yaml":    YAML{},
	"bson":    BSON{},
}

// Get returns the registered serializer with the given name.
func Get(name string) (Serializer, error) {
	s, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return s, nil
}

// Names returns the registered serializer names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func loaded(r *models.CachedResponse, err error, format string) (*models.CachedResponse, error) {
	if err != nil {
		return nil, fmt.Errorf("%s decode: %w", format, err)
	}
	r.Normalize()
	return r, nil
}
