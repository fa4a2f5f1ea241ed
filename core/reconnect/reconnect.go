package reconnect

import "time"

// Schedule defines the backoff durations for successive reconnect attempts.
// Cameras typically come back within a few seconds of a Wi-Fi drop, so the
// early attempts are aggressive.
var Schedule = []time.Duration{
	500 * time.Millisecond, time.Second, time.Second,
	2 * time.Second, 2 * time.Second,
	5 * time.Second, 5 * time.Second,
	10 * time.Second,
}

// Delay returns the backoff duration for the given attempt.
// Attempts beyond the length of the schedule default to 15 seconds.
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt < len(Schedule) {
		return Schedule[attempt]
	}
	return 15 * time.Second
}
