// SPDX-FileCopyrightText: (c) 2026 The porelay Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package retry provides exponential backoff for the node's network
// operations.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"time"
)

// Policy is an exponential backoff retry policy.
type Policy struct {
	// MaxAttempts is the number of attempts, including the first one.
	MaxAttempts int

	// BaseDelay is the delay after the first failed attempt, doubled
	// after each further failure up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Jitter randomizes each delay by up to this fraction, 0.0 to 1.0.
	Jitter float64
}

// Default is the policy used for dialing peers and the chain provider.
var Default = Policy{
	MaxAttempts: 10,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    10 * time.Second,
	Jitter:      0.2,
}

// Delay returns the delay before the retry following the given failed
// attempt, counted from 0.
func (p *Policy) Delay(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delay *= 1 - p.Jitter + rand.Float64()*2*p.Jitter
	}
	return time.Duration(delay)
}

// Do calls fn until it succeeds, fails with an error that is not
// transient, the attempts are exhausted or ctx is done.  It returns the
// last error of fn.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < max(p.MaxAttempts, 1); attempt++ {
		if err = fn(ctx); err == nil || !IsTransientError(err) {
			return err
		}
		if attempt+1 == p.MaxAttempts {
			break
		}
		t := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
	return err
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"connection timed out",
	"timeout",
	"temporary failure",
	"no route to host",
	"network is unreachable",
	"i/o timeout",
	"eof",
	"broken pipe",
	"connection closed",
	"failed to dial",
}

// IsTransientError returns true if the error is likely transient and worth
// retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	lowerErr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
