package serializer

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/requests-cache/requests-cache-sub000/pkg/logging"
	"github.com/requests-cache/requests-cache-sub000/pkg/models"
)

var logger = logging.NewLogger("serializer")

// Signed wraps a serializer so every value is prefixed with an HMAC-SHA256
// tag over the encoded bytes. Loads verifies the tag before decoding and
// returns ErrBadSignature on mismatch.
type Signed struct {
	inner  Serializer
	secret []byte
}

// NewSigned wraps inner with signing under secret.
// An empty secret leaves values unsigned and logs a warning once, here.
func NewSigned(inner Serializer, secret []byte) *Signed {
	if len(secret) == 0 {
		logger.Warn().
			Str("serializer", inner.Name()).
			Msg("No secret key configured: cached data will NOT be signed and cannot be verified on read")
	}
	return &Signed{inner: inner, secret: secret}
}

// Name implements Serializer.
func (s *Signed) Name() string { return s.inner.Name() }

// Unwrap returns the wrapped serializer.
func (s *Signed) Unwrap() Serializer { return s.inner }

// Dumps implements Serializer.
func (s *Signed) Dumps(r *models.CachedResponse) ([]byte, error) {
	data, err := s.inner.Dumps(r)
	if err != nil || len(s.secret) == 0 {
		return data, err
	}
	out := make([]byte, 0, sha256.Size+len(data))
	out = append(out, s.sign(data)...)
	return append(out, data...), nil
}

// Loads implements Serializer.
func (s *Signed) Loads(data []byte) (*models.CachedResponse, error) {
	if len(s.secret) == 0 {
		return s.inner.Loads(data)
	}
	if len(data) < sha256.Size {
		return nil, fmt.Errorf("%w: value too short", ErrBadSignature)
	}
	tag, payload := data[:sha256.Size], data[sha256.Size:]
	if !hmac.Equal(tag, s.sign(payload)) {
		return nil, ErrBadSignature
	}
	return s.inner.Loads(payload)
}

func (s *Signed) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return mac.Sum(nil)
}
