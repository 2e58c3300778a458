package serializer

import (
	"fmt"

	"github.com/requests-cache/requests-cache-sub000/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
)

// BSON stores responses as BSON documents. The mongodb backend recognizes this
// serializer and embeds the document directly instead of storing opaque bytes.
type BSON struct{}

// Name implements Serializer.
func (BSON) Name() string { return "bson" }

// Dumps implements Serializer.
func (BSON) Dumps(r *models.CachedResponse) ([]byte, error) {
	data, err := bson.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("bson encode: %w", err)
	}
	return data, nil
}

// Loads implements Serializer.
func (BSON) Loads(data []byte) (*models.CachedResponse, error) {
	var r models.CachedResponse
	err := bson.Unmarshal(data, &r)
	return loaded(&r, err, "bson")
}
