package beacon

import (
	"strconv"
	"time"
)

// SecondsPerDay is the length of a code validity window.
const SecondsPerDay = 86400

// Code is the rotating pseudonymous identifier broadcast by a device
type Code int64

// String returns decimal representation
func (c Code) String() string {
	return strconv.FormatInt(int64(c), 10)
}

// SignalStrength is a received signal strength indication in dBm.
// Values closer to zero denote a stronger signal.
type SignalStrength int

const (
	MinSignalStrength SignalStrength = -127
	MaxSignalStrength SignalStrength = 20
)

// Plausible reports whether the value lies in the range a radio can report
func (s SignalStrength) Plausible() bool {
	return s >= MinSignalStrength && s <= MaxSignalStrength
}

// Day returns the UTC day number of t (seconds since epoch / 86400).
func Day(t time.Time) int64 {
	secs := t.Unix()
	if secs < 0 {
		// floor division for instants before the epoch
		return (secs - SecondsPerDay + 1) / SecondsPerDay
	}
	return secs / SecondsPerDay
}

// SameDay reports whether a and b fall on the same UTC day
func SameDay(a, b time.Time) bool {
	return Day(a) == Day(b)
}
