package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PrefetchConfig holds the configuration of Prefetch.
type PrefetchConfig struct {
	// MaxConcurrency is the maximum number of parallel requests
	MaxConcurrency int

	// Timeout per request
	Timeout time.Duration
}

// DefaultPrefetchConfig returns the default prefetch configuration.
func DefaultPrefetchConfig() PrefetchConfig {
	return PrefetchConfig{
		MaxConcurrency: 10,
		Timeout:        15 * time.Second,
	}
}

// PrefetchResult is the outcome of fetching one URL.
type PrefetchResult struct {
	URL      string
	Response *Response
	Err      error
}

// Prefetch fetches urls through the session with a pool of workers, warming
// the cache. Failed URLs are logged and returned with their error; the
// returned error is non-nil only when ctx ends before every URL was tried.
func (s *Session) Prefetch(ctx context.Context, urls []string, cfg PrefetchConfig) ([]PrefetchResult, error) {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	start := time.Now()

	results := make([]PrefetchResult, len(urls))
	queue := make(chan int, len(urls))
	for i, url := range urls {
		results[i].URL = url
		queue <- i
	}
	close(queue)

	var wg sync.WaitGroup
	for id := range min(cfg.MaxConcurrency, len(urls)) {
		wg.Add(1)
		go s.prefetchWorker(ctx, id, cfg.Timeout, urls, queue, results, &wg)
	}
	wg.Wait()

	var fetched, cached, failed int
	for i := range results {
		switch r := results[i]; {
		case r.Err != nil:
			failed++
		case r.Response != nil:
			fetched++
			if r.Response.FromCache {
				cached++
			}
		}
	}

	s.logger.Info().
		Int("urls", len(urls)).
		Int("fetched", fetched).
		Int("from_cache", cached).
		Int("failed", failed).
		Dur("duration", time.Since(start)).
		Msg("Prefetch complete")

	if err := ctx.Err(); err != nil && fetched+failed < len(urls) {
		return results, fmt.Errorf("prefetch interrupted (%d/%d urls): %w", fetched+failed, len(urls), err)
	}
	return results, nil
}

// prefetchWorker fetches the URLs at the indexes it takes from queue.
func (s *Session) prefetchWorker(ctx context.Context, id int, timeout time.Duration, urls []string, queue <-chan int, results []PrefetchResult, wg *sync.WaitGroup) {
	defer wg.Done()
	processed := 0

	for i := range queue {
		select {
		case <-ctx.Done():
			s.logger.Debug().
				Int("worker_id", id).
				Int("urls_processed", processed).
				Msg("Worker stopping (context cancelled)")
			return
		default:
		}

		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := s.Get(reqCtx, urls[i])
		cancel()

		results[i].Response, results[i].Err = resp, err
		if err != nil {
			s.logger.Warn().
				Err(err).
				Int("worker_id", id).
				Str("url", urls[i]).
				Msg("Prefetch failed")
		}
		processed++
	}

	if processed > 0 {
		s.logger.Debug().
			Int("worker_id", id).
			Int("urls_processed", processed).
			Msg("Worker completed")
	}
}
