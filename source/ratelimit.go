package source

import (
	"context"

	"golang.org/x/time/rate"
)

// rateLimitedSource throttles requests against one backend. Fetches wait for
// a token each; an enumeration counts as a single request, because the
// backend sees one listing no matter how many documents it reports.
type rateLimitedSource struct {
	ContentSource
	limiter *rate.Limiter
}

// RateLimited wraps src so that its backend sees at most rps requests per
// second from this process.
func RateLimited(src ContentSource, rps float64) ContentSource {
	return &rateLimitedSource{
		ContentSource: src,
		limiter:       rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (s *rateLimitedSource) Enumerate(ctx context.Context, fn func(Document) error) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.ContentSource.Enumerate(ctx, fn)
}

func (s *rateLimitedSource) Fetch(ctx context.Context, docID string) (*FetchResult, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return s.ContentSource.Fetch(ctx, docID)
}
