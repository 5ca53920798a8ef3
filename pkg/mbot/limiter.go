package mbot

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter caps sends per rolling second with a token bucket holding
// at most maxRate tokens, refilled at maxRate per second.
type RateLimiter struct {
	limiter *rate.Limiter
	now     func() time.Time
}

// NewRateLimiter creates a RateLimiter. maxRate <= 0 means unlimited.
func NewRateLimiter(maxRate int) *RateLimiter {
	r := &RateLimiter{now: time.Now}
	if maxRate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(maxRate), maxRate)
	} else {
		r.limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return r
}

// OkayToSend reports whether a send fits under the ceiling and, if so,
// records it.
func (r *RateLimiter) OkayToSend() bool {
	return r.limiter.AllowN(r.now(), 1)
}
