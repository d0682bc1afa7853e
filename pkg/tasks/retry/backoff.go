// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package retry

import (
	"math"
	"math/rand"
	"time"
)

// JitterType defines how jitter is applied to a computed delay.
type JitterType int

const (
	// JitterFull replaces the delay with random(0, delay).
	JitterFull JitterType = iota

	// JitterEqual keeps half the delay and randomizes the other half.
	JitterEqual

	// JitterNone applies no jitter.
	JitterNone
)

// ExponentialBackoff implements exponential backoff with jitter.
// Formula: delay = InitialDelay * (Multiplier ^ (attempt - 1)), capped at
// MaxDelay, then jittered. Jitter avoids thundering-herd on transient
// failures when many sagas retry the same downstream dependency.
type ExponentialBackoff struct {
	// Config is the base retry configuration.
	Config *Config

	// Multiplier is the growth factor per attempt. Must be >= 1.0.
	Multiplier float64

	// Jitter selects the jittering strategy.
	Jitter JitterType
}

// NewExponentialBackoff creates an exponential backoff policy with full
// jitter. A nil config uses DefaultConfig.
func NewExponentialBackoff(config *Config, multiplier float64) *ExponentialBackoff {
	if config == nil {
		config = DefaultConfig()
	}
	if multiplier < 1.0 {
		multiplier = 2.0
	}
	return &ExponentialBackoff{
		Config:     config,
		Multiplier: multiplier,
		Jitter:     JitterFull,
	}
}

// ShouldRetry determines if the operation should be retried.
func (p *ExponentialBackoff) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.Config.Attempts {
		return false
	}
	return p.Config.IsRetryableError(err)
}

// Delay calculates the backoff delay for the given 1-indexed attempt.
func (p *ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	base := float64(p.Config.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.Config.MaxDelay > 0 && base > float64(p.Config.MaxDelay) {
		base = float64(p.Config.MaxDelay)
	}

	switch p.Jitter {
	case JitterFull:
		return time.Duration(rand.Float64() * base)
	case JitterEqual:
		half := base / 2
		return time.Duration(half + rand.Float64()*half)
	default:
		return time.Duration(base)
	}
}

// MaxAttempts returns the maximum number of attempts.
func (p *ExponentialBackoff) MaxAttempts() int {
	return p.Config.Attempts
}

// FixedInterval implements a constant delay between attempts.
type FixedInterval struct {
	// Config is the base retry configuration.
	Config *Config

	// Interval is the delay between attempts. Defaults to
	// Config.InitialDelay when zero.
	Interval time.Duration
}

// NewFixedInterval creates a fixed-interval retry policy.
func NewFixedInterval(config *Config, interval time.Duration) *FixedInterval {
	if config == nil {
		config = DefaultConfig()
	}
	if interval <= 0 {
		interval = config.InitialDelay
	}
	return &FixedInterval{Config: config, Interval: interval}
}

// ShouldRetry determines if the operation should be retried.
func (p *FixedInterval) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.Config.Attempts {
		return false
	}
	return p.Config.IsRetryableError(err)
}

// Delay returns the fixed interval.
func (p *FixedInterval) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return p.Interval
}

// MaxAttempts returns the maximum number of attempts.
func (p *FixedInterval) MaxAttempts() int {
	return p.Config.Attempts
}
