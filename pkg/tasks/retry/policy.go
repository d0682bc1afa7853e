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

// Package retry provides the backoff policies used for step retries and
// transient storage-call retries.
package retry

import (
	"errors"
	"time"
)

// ErrInvalidConfig is returned when the retry configuration is invalid.
var ErrInvalidConfig = errors.New("invalid retry configuration")

// Policy decides whether and when a failed operation is attempted again.
type Policy interface {
	// ShouldRetry determines if the operation should be retried after err
	// on the given 1-indexed attempt.
	ShouldRetry(err error, attempt int) bool

	// Delay returns the delay before the next attempt.
	Delay(attempt int) time.Duration

	// MaxAttempts returns the maximum number of attempts, including the
	// initial one.
	MaxAttempts() int
}

// Config defines the shared settings of the retry policies.
type Config struct {
	// Attempts is the maximum number of attempts including the initial one.
	// Must be >= 1; 1 means no retries.
	Attempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries. Zero means no cap.
	MaxDelay time.Duration

	// NonRetryable lists errors that never trigger a retry. Takes
	// precedence over Retryable.
	NonRetryable []error

	// Retryable lists errors that trigger a retry. Empty means all errors
	// are retryable.
	Retryable []error
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Attempts < 1 {
		return ErrInvalidConfig
	}
	if c.InitialDelay < 0 {
		return ErrInvalidConfig
	}
	if c.MaxDelay > 0 && c.MaxDelay < c.InitialDelay {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns the engine's default retry configuration:
// 4 attempts, 100ms initial delay, 30s cap.
func DefaultConfig() *Config {
	return &Config{
		Attempts:     4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
	}
}

// IsRetryableError checks an error against the configured allow/deny lists.
func (c *Config) IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	for _, nr := range c.NonRetryable {
		if errors.Is(err, nr) {
			return false
		}
	}
	if len(c.Retryable) == 0 {
		return true
	}
	for _, r := range c.Retryable {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}
