// Package ratelimit provides per-key token buckets with interval refill.
//
// A bucket holds Capacity tokens. Every Acquire consumes one token; once the
// Interval has elapsed since the window opened the bucket is reset to full.
// There is no continuous trickle between interval boundaries.
//
// Buckets are created lazily on the first Acquire for a key and are never
// evicted.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Policy describes one class of limits. Buckets of different policies never
// share state even when their keys collide.
type Policy struct {
	Name     string
	Capacity int64
	Interval time.Duration
	// Subject names who the policy applies to in rejection messages.
	Subject string
}

var (
	// Authenticated limits callers with an established identity, keyed by username.
	Authenticated = Policy{
		Name:     "authenticated",
		Capacity: 10,
		Interval: time.Minute,
		Subject:  "authenticated users",
	}
	// Unauthenticated limits the public auth endpoints, keyed by client IP.
	Unauthenticated = Policy{
		Name:     "unauthenticated",
		Capacity: 3,
		Interval: time.Minute,
		Subject:  "unauthenticated endpoints",
	}
)

// RetryAfterSeconds is the fixed retry hint advertised on rejection. It is the
// interval length, not the time left until the next refill.
func (p Policy) RetryAfterSeconds() int64 {
	secs := int64(p.Interval / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// Message renders the rejection text for this policy.
func (p Policy) Message() string {
	return fmt.Sprintf("Rate limit exceeded. Max %d requests per %s for %s", p.Capacity, windowName(p.Interval), p.Subject)
}

func (p Policy) validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.Capacity <= 0 {
		return fmt.Errorf("policy %s: capacity must be positive", p.Name)
	}
	if p.Interval <= 0 {
		return fmt.Errorf("policy %s: interval must be positive", p.Name)
	}
	return nil
}

func windowName(d time.Duration) string {
	switch d {
	case time.Second:
		return "second"
	case time.Minute:
		return "minute"
	case time.Hour:
		return "hour"
	}
	return d.String()
}

// Store grants or denies single-token acquisitions. Implementations must be
// safe for concurrent use; concurrent callers on one key never spend more
// than Capacity tokens per interval.
type Store interface {
	Acquire(ctx context.Context, key string, p Policy) (bool, error)
}
