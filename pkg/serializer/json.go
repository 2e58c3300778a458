package serializer

import (
	"encoding/json"
	"fmt"

	"github.com/requests-cache/requests-cache-sub000/pkg/models"
)

// JSON stores responses as JSON documents. Binary bodies are base64 encoded.
type JSON struct{}

// Name implements Serializer.
func (JSON) Name() string { return "json" }

// Dumps implements Serializer.
func (JSON) Dumps(r *models.CachedResponse) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}
	return data, nil
}

// Loads implements Serializer.
func (JSON) Loads(data []byte) (*models.CachedResponse, error) {
	var r models.CachedResponse
	err := json.Unmarshal(data, &r)
	return loaded(&r, err, "json")
}
