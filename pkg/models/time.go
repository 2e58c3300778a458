package models

import "time"

// Precision is the resolution of every timestamp stored in a snapshot.
// It matches the coarsest format we serialize to (BSON datetimes), so values
// survive any number of round trips unchanged.
const Precision = time.Millisecond

// Now returns the current time in UTC, truncated to Precision.
func Now() time.Time {
	return time.Now().UTC().Truncate(Precision)
}

// UTC normalizes t to UTC at Precision. The zero time stays zero.
func UTC(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Truncate(Precision)
}

// Normalize converts every timestamp in the response (including request and
// history) to UTC. Decoders that produce local times call this after loading.
func (r *CachedResponse) Normalize() {
	r.CreatedAt = UTC(r.CreatedAt)
	r.Expires = UTC(r.Expires)
	for i := range r.Cookies {
		r.Cookies[i].Expires = UTC(r.Cookies[i].Expires)
	}
	for i := range r.History {
		r.History[i].Normalize()
	}
}
