package core

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v3"
)

// errNotYet is returned by poll operations that should simply be tried again
var errNotYet = errors.New("not ready yet")

// Poll runs op up to attempts times with a fixed interval between tries. It stops early when
// op succeeds, when op returns an error wrapped with Abort, or when ctx is done. The last error
// (or the aborting error, or ctx.Err()) is returned.
func Poll(ctx context.Context, attempts int, interval time.Duration, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)),
		ctx,
	)
	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return op()
	}, b)
	// Retry reports the last op error when ctx stops it
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Abort marks err as final so Poll stops retrying
func Abort(err error) error {
	return backoff.Permanent(err)
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
