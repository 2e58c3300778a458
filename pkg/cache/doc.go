// Package cache stores HTTP responses for the caching session.
//
// A Cache combines two stores from package storage: one holding serialized
// responses by cache key, and one mapping the keys of redirecting requests
// to the key of the response they ended at. Either store may be any
// backend; package backends wires the usual combinations.
//
// # Basic Usage
//
//	c := cache.New(memory.New(), memory.New(), cache.WithBackendName("memory"))
//	defer c.Close()
//
//	if err := c.SaveResponse(ctx, resp, key); err != nil {
//		return err
//	}
//
//	cached, err := c.GetResponse(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// Not stored, or stored but no longer readable
//	}
//
// # Invalid Entries
//
// A stored value that fails to deserialize (for instance after a format
// change, or a signature mismatch) is logged at error level, deleted and
// reported as a miss. Storage errors are returned to the caller.
//
// # Cache-wide Operations
//
//	// Remove expired and unreadable responses
//	c.RemoveExpiredResponses(ctx)
//
//	// Remove responses by key, request or age
//	c.Delete(ctx, cache.DeleteOptions{OlderThan: 24 * time.Hour})
//
//	// Give every response a new expiration
//	c.ResetExpiration(ctx, policy.After(time.Hour))
//
// Deleting a response also deletes every redirect that pointed to it.
//
// # Size Limit
//
// With WithMaxSize and a response store implementing storage.LRUIndex, the
// least recently read responses are evicted after each write until the
// stored total is back under the limit.
//
// # Metrics
//
//   - http_cache_hits_total{backend}
//   - http_cache_misses_total{backend}
//   - http_cache_errors_total{operation}
//   - http_cache_invalid_total{backend}
//   - http_cache_evictions_total{backend}
//   - http_cache_size_bytes{backend}
package cache
