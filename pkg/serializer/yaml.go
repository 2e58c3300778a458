package serializer

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/requests-cache/requests-cache-sub000/pkg/models"
	"gopkg.in/yaml.v3"
)

// YAML stores responses as human-readable YAML documents. Bodies are written
// as base64 strings rather than yaml.v3's default integer sequences.
type YAML struct{}

// Name implements Serializer.
func (YAML) Name() string { return "yaml" }

type yamlRequest struct {
	Method  string      `yaml:"method"`
	URL     string      `yaml:"url"`
	Headers http.Header `yaml:"headers"`
	Body    string      `yaml:"body,omitempty"`
}

type yamlResponse struct {
	CacheKey    string                `yaml:"cache_key"`
	StatusCode  int                   `yaml:"status_code"`
	Reason      string                `yaml:"reason"`
	URL         string                `yaml:"url"`
	Headers     http.Header           `yaml:"headers"`
	Content     string                `yaml:"content"`
	Cookies     []models.CachedCookie `yaml:"cookies,omitempty"`
	Request     yamlRequest           `yaml:"request"`
	History     []yamlResponse        `yaml:"history,omitempty"`
	CreatedAt   time.Time             `yaml:"created_at"`
	Expires     time.Time             `yaml:"expires"`
	Elapsed     time.Duration         `yaml:"elapsed"`
	Revalidated bool                  `yaml:"revalidated"`
}

// Dumps implements Serializer.
func (YAML) Dumps(r *models.CachedResponse) ([]byte, error) {
	data, err := yaml.Marshal(toYAML(r))
	if err != nil {
		return nil, fmt.Errorf("yaml encode: %w", err)
	}
	return data, nil
}

// Loads implements Serializer.
func (YAML) Loads(data []byte) (*models.CachedResponse, error) {
	var doc yamlResponse
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml decode: %w", err)
	}
	r, err := fromYAML(&doc)
	return loaded(r, err, "yaml")
}

func toYAML(r *models.CachedResponse) yamlResponse {
	doc := yamlResponse{
		CacheKey:   r.CacheKey,
		StatusCode: r.StatusCode,
		Reason:     r.Reason,
		URL:        r.URL,
		Headers:    r.Headers,
		Content:    encodeBytes(r.Content),
		Cookies:    r.Cookies,
		Request: yamlRequest{
			Method:  r.Request.Method,
			URL:     r.Request.URL,
			Headers: r.Request.Headers,
			Body:    encodeBytes(r.Request.Body),
		},
		CreatedAt:   r.CreatedAt,
		Expires:     r.Expires,
		Elapsed:     r.Elapsed,
		Revalidated: r.Revalidated,
	}
	for i := range r.History {
		doc.History = append(doc.History, toYAML(&r.History[i]))
	}
	return doc
}

func fromYAML(doc *yamlResponse) (*models.CachedResponse, error) {
	content, err := decodeBytes(doc.Content)
	if err != nil {
		return nil, fmt.Errorf("content: %w", err)
	}
	body, err := decodeBytes(doc.Request.Body)
	if err != nil {
		return nil, fmt.Errorf("request body: %w", err)
	}
	r := &models.CachedResponse{
		CacheKey:   doc.CacheKey,
		StatusCode: doc.StatusCode,
		Reason:     doc.Reason,
		URL:        doc.URL,
		Headers:    doc.Headers,
		Content:    content,
		Cookies:    doc.Cookies,
		Request: models.CachedRequest{
			Method:  doc.Request.Method,
			URL:     doc.Request.URL,
			Headers: doc.Request.Headers,
			Body:    body,
		},
		CreatedAt:   doc.CreatedAt,
		Expires:     doc.Expires,
		Elapsed:     doc.Elapsed,
		Revalidated: doc.Revalidated,
	}
	for i := range doc.History {
		h, err := fromYAML(&doc.History[i])
		if err != nil {
			return nil, fmt.Errorf("history[%d]: %w", i, err)
		}
		r.History = append(r.History, *h)
	}
	return r, nil
}

func encodeBytes(b []byte) string {
	if b == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

func decodeBytes(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
