package port

import "context"

type CacheRepository interface {
	// SetIdempotency claims a key for idempotency check, returns false if already claimed
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ReleaseIdempotency frees a claim so a failed request can be retried
	ReleaseIdempotency(ctx context.Context, key string) error
}
