package common

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryTransient выполняет op, повторяя её только при ErrStorageUnavailable.
// Остальные ошибки (валидация, not found, лимиты) возвращаются сразу.
// maxTries — общее число попыток, включая первую (минимум 1).
func RetryTransient[T any](ctx context.Context, maxTries uint, op func() (T, error)) (T, error) {
	if maxTries == 0 {
		maxTries = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 1 * time.Second

	return backoff.Retry(ctx, func() (T, error) {
		res, err := op()
		if err != nil && !IsRetryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxTries),
		backoff.WithMaxElapsedTime(30*time.Second),
	)
}
