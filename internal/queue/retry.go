package queue

import (
	"math/rand/v2"
	"time"
	"unicode/utf8"
)

// maxErrorLen bounds the error text persisted on a job row. Upstream
// HTTP bodies and stack traces can be arbitrarily large; the row keeps
// the head, which carries the message and the innermost frames.
const maxErrorLen = 8 * 1024

// RetryDelay computes how long a job waits before its next attempt:
// base doubled per completed attempt, ±10% jitter so retries from a
// burst of failures spread out, capped at max. An upstream Retry-After
// hint longer than the computed delay wins, uncapped, because the
// provider knows its own throttle window.
func RetryDelay(attempts int, base, max, hint time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}

	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}

	spread := d / 10
	if spread > 0 {
		d += rand.N(2*spread+1) - spread
	}
	if d > max {
		d = max
	}
	if hint > d {
		d = hint
	}
	return d
}

// truncateErr bounds s at maxErrorLen without splitting a rune.
func truncateErr(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... (truncated)"
}
