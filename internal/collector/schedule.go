package collector

import "time"

// Polling intervals per time-of-day tier
const (
	RushInterval    = 15 * time.Minute
	RegularInterval = 30 * time.Minute
	NightInterval   = 60 * time.Minute
)

// IntervalFor returns the polling interval for the given local time.
// Rush hours (06-09, 15-18) poll every 15 minutes, regular hours (09-15,
// 18-24) every 30 minutes and night hours (00-06) every 60 minutes.
// The function is pure; callers evaluate it fresh on every tick instead of
// keeping scheduler state around.
func IntervalFor(localTime time.Time) time.Duration {
	hour := localTime.Hour()

	switch {
	case (hour >= 6 && hour < 9) || (hour >= 15 && hour < 18):
		return RushInterval
	case (hour >= 9 && hour < 15) || hour >= 18:
		return RegularInterval
	default:
		return NightInterval
	}
}
