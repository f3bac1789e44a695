package sync

import (
	"math/rand/v2"
	"time"
)

const backoffCapSeconds = 300

// backoffDelay returns a full-jitter retry delay: uniform over
// [1, min(300, 2^retryCount)] seconds. The randomization desynchronizes
// retry storms across client instances hitting the same time sources.
func backoffDelay(retryCount int) time.Duration {
	ceil := int64(backoffCapSeconds)
	if retryCount < 9 { // 2^9 already exceeds the cap
		if p := int64(1) << uint(retryCount); p < ceil {
			ceil = p
		}
	}
	return time.Duration(1+rand.Int64N(ceil)) * time.Second
}
