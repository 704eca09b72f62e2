package collector

import (
	"fmt"
	"time"

	"github.com/togforsinkelse/togforsinkelse_core/internal/models"
)

// Classification thresholds in whole minutes of delay
const (
	onTimeMaxDelay  = 2
	delayedMaxDelay = 15
)

// Outcome is the result of classifying one departure. Classified is false
// while the departure cannot be judged yet; the caller then leaves the
// planned departure in its live state and retries on a later tick.
type Outcome struct {
	Status       models.DepartureStatus
	DelayMinutes *int
	Reason       string
	Classified   bool
}

// Classifier maps observed departure data to a business outcome. Retention
// is the window after the planned time within which real-time data normally
// exists upstream. CancellationTolerance is the band around the planned time
// within which an unconfirmed expected time is read as a silent cancellation
// rather than a delay; this is a documented heuristic over an upstream
// system that does not reliably flag cancellations, not ground truth.
type Classifier struct {
	Retention             time.Duration
	CancellationTolerance time.Duration
}

// Classify is pure and deterministic: identical inputs always produce the
// identical outcome. Rules are evaluated in order, first match wins:
//
//  1. A confirmed actual time yields a delay against the planned time and
//     one of on_time (<=2 min), delayed (3-15 min), severely_delayed (>15).
//  2. Past the retention cutoff, an unconfirmed expected time near the
//     planned time means the train silently disappeared: cancelled. An
//     unconfirmed expected time far past the planned time is treated as a
//     severe delay that never got its departure confirmed.
//  3. Past the retention cutoff with no data at all: unknown.
//  4. Otherwise the departure is not classified yet.
//
// Delay is floored to whole minutes with seconds discarded, so a 42-second
// delay counts as on time. Delay is never derived from the expected or
// planned time, only from a confirmed actual time.
func (c Classifier) Classify(planned time.Time, actual, expected *time.Time, isRealtime bool, now time.Time) Outcome {
	if actual != nil {
		rawDelay := wholeMinutes(actual.Sub(planned))
		delay := rawDelay
		if delay < 0 {
			delay = 0
		}

		switch {
		case delay <= onTimeMaxDelay:
			return Outcome{
				Status:       models.StatusOnTime,
				DelayMinutes: &delay,
				Reason:       fmt.Sprintf("actual departure %d min after planned", rawDelay),
				Classified:   true,
			}
		case delay <= delayedMaxDelay:
			return Outcome{
				Status:       models.StatusDelayed,
				DelayMinutes: &delay,
				Reason:       fmt.Sprintf("actual departure %d min after planned", rawDelay),
				Classified:   true,
			}
		default:
			return Outcome{
				Status:       models.StatusSeverelyDelayed,
				DelayMinutes: &delay,
				Reason:       fmt.Sprintf("actual departure %d min after planned", rawDelay),
				Classified:   true,
			}
		}
	}

	pastCutoff := PastRetention(planned, now, c.Retention)

	if expected != nil && pastCutoff {
		expectedDelta := expected.Sub(planned)
		if expectedDelta <= c.CancellationTolerance {
			return Outcome{
				Status:     models.StatusCancelled,
				Reason:     "expected time reasonable, no confirmation",
				Classified: true,
			}
		}
		return Outcome{
			Status:     models.StatusSeverelyDelayed,
			Reason:     fmt.Sprintf("expected departure %d min after planned, never confirmed", wholeMinutes(expectedDelta)),
			Classified: true,
		}
	}

	if expected == nil && pastCutoff {
		return Outcome{
			Status:     models.StatusUnknown,
			Reason:     "no data within retention window",
			Classified: true,
		}
	}

	return Outcome{}
}

// wholeMinutes floors a duration to whole minutes, truncating toward zero
func wholeMinutes(d time.Duration) int {
	return int(d / time.Minute)
}
