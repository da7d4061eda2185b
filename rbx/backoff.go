package rbx

import (
	"math"
	"time"
)

const maxShift = 62

// retryDelay returns the delay applied after the given failed attempt:
// initial * (2^attempt - 1). Attempts are counted from one, so the first retry
// waits one unit. The result saturates instead of overflowing.
func retryDelay(initial time.Duration, attempt int) time.Duration {
	if initial <= 0 || attempt <= 0 {
		return 0
	}
	if attempt > maxShift {
		return time.Duration(math.MaxInt64)
	}
	factor := int64(1)<<attempt - 1
	if int64(initial) > math.MaxInt64/factor {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(initial) * factor)
}
