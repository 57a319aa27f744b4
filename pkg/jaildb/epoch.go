package jaildb

import (
	"fmt"
	"math"
	"time"
)

// Backends store instants and durations as whole seconds plus a nanosecond
// part. Unix nanoseconds in an int64 end in 2262, well inside the range of
// a long sentence.

// SplitTime returns t as Unix seconds and the nanoseconds within that second.
func SplitTime(t time.Time) (sec, nsec int64) {
	return t.Unix(), int64(t.Nanosecond())
}

// JoinTime is the inverse of SplitTime. The result is in UTC.
func JoinTime(sec, nsec int64) (time.Time, error) {
	if nsec < 0 || nsec >= int64(time.Second) {
		return time.Time{}, fmt.Errorf("nanoseconds %d out of range", nsec)
	}
	return time.Unix(sec, nsec).UTC(), nil
}

// SplitDuration returns d as whole seconds and the remaining nanoseconds.
func SplitDuration(d time.Duration) (sec, nsec int64) {
	return int64(d / time.Second), int64(d % time.Second)
}

// JoinDuration is the inverse of SplitDuration for non-negative durations.
func JoinDuration(sec, nsec int64) (time.Duration, error) {
	if sec < 0 || nsec < 0 || nsec >= int64(time.Second) {
		return 0, fmt.Errorf("duration %ds+%dns out of range", sec, nsec)
	}
	if sec > math.MaxInt64/int64(time.Second) {
		return 0, fmt.Errorf("duration of %d seconds overflows", sec)
	}
	d := time.Duration(sec) * time.Second
	if d > math.MaxInt64-time.Duration(nsec) {
		return 0, fmt.Errorf("duration of %d seconds overflows", sec)
	}
	return d + time.Duration(nsec), nil
}

// DurationFromSeconds converts a possibly fractional number of seconds,
// rejecting values no Duration can hold.
func DurationFromSeconds(secs float64) (time.Duration, error) {
	if math.IsNaN(secs) || math.IsInf(secs, 0) || math.Abs(secs) >= float64(math.MaxInt64)/float64(time.Second) {
		return 0, fmt.Errorf("%w: %v seconds is out of range", ErrInvalidSentence, secs)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
