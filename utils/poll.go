package utils

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrWaitTimeout is returned by WaitFor when the timeout passes first.
var ErrWaitTimeout = errors.New("wait timed out")

// WaitFor calls check right away and then once per interval until it
// reports done or fails. It gives up with ErrWaitTimeout after timeout, or
// with the cause of ctx when ctx is done.
func WaitFor(ctx context.Context, timeout, interval time.Duration, check func() (done bool, err error)) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := check()
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-deadline.C:
			return fmt.Errorf("%w after %s", ErrWaitTimeout, timeout)
		case <-ticker.C:
		}
	}
}
