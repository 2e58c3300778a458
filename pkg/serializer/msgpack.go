package serializer

import (
	"fmt"

	"github.com/requests-cache/requests-cache-sub000/pkg/models"
	"github.com/vmihailenco/msgpack/v5"
)

// Msgpack stores responses in MessagePack, the most compact of the formats.
type Msgpack struct{}

// Name implements Serializer.
func (Msgpack) Name() string { return "msgpack" }

// Dumps implements Serializer.
func (Msgpack) Dumps(r *models.CachedResponse) ([]byte, error) {
	data, err := msgpack.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	return data, nil
}

// Loads implements Serializer.
// msgpack decodes timestamps in the local zone; loaded normalizes them back to UTC.
func (Msgpack) Loads(data []byte) (*models.CachedResponse, error) {
	var r models.CachedResponse
	err := msgpack.Unmarshal(data, &r)
	return loaded(&r, err, "msgpack")
}
