package models

import (
	"net/http"
	"time"
)

// CachedCookie is the serializable subset of an http.Cookie.
type CachedCookie struct {
	Name     string    `json:"name" yaml:"name" bson:"name" msgpack:"name"`
	Value    string    `json:"value" yaml:"value" bson:"value" msgpack:"value"`
	Path     string    `json:"path,omitempty" yaml:"path,omitempty" bson:"path,omitempty" msgpack:"path,omitempty"`
	Domain   string    `json:"domain,omitempty" yaml:"domain,omitempty" bson:"domain,omitempty" msgpack:"domain,omitempty"`
	Expires  time.Time `json:"expires" yaml:"expires" bson:"expires" msgpack:"expires"`
	MaxAge   int       `json:"max_age,omitempty" yaml:"max_age,omitempty" bson:"max_age,omitempty" msgpack:"max_age,omitempty"`
	Secure   bool      `json:"secure,omitempty" yaml:"secure,omitempty" bson:"secure,omitempty" msgpack:"secure,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty" yaml:"http_only,omitempty" bson:"http_only,omitempty" msgpack:"http_only,omitempty"`
}

// HTTPCookie converts the snapshot back to an *http.Cookie.
func (c CachedCookie) HTTPCookie() *http.Cookie {
	return &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Domain:   c.Domain,
		Expires:  c.Expires,
		MaxAge:   c.MaxAge,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
	}
}

func cookiesFrom(cookies []*http.Cookie) []CachedCookie {
	if len(cookies) == 0 {
		return nil
	}
	out := make([]CachedCookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, CachedCookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Expires:  UTC(c.Expires),
			MaxAge:   c.MaxAge,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		})
	}
	return out
}
