package usecase

import (
	"context"

	"github.com/example/palm-id/internal/retry"
)

func (s *PalmService) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	return retry.Do(ctx, s.retry, s.logger, operation, requestID, fn)
}

func (s *PalmService) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := s.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := s.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
