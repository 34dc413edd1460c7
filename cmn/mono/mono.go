// Package mono provides monotonic-clock helpers for timeout and latency
// accounting, matching aistore's cmn/mono usage in its xactions.
package mono

import "time"

// origin anchors NanoTime; time.Since reads the monotonic clock.
var origin = time.Now()

// NanoTime returns a monotonic nanosecond timestamp unaffected by wall-clock
// adjustments; only ever compared to another NanoTime() value.
func NanoTime() int64 { return int64(time.Since(origin)) }

// Since returns the elapsed duration since a prior NanoTime() reading.
func Since(start int64) time.Duration { return time.Duration(NanoTime() - start) }

// Expired reports whether NanoTime() has passed deadline (0 = no deadline).
func Expired(deadline int64) bool { return deadline != 0 && NanoTime() >= deadline }
