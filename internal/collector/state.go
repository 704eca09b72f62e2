package collector

import (
	"time"

	"github.com/togforsinkelse/togforsinkelse_core/internal/models"
)

// transitions is the explicit transition table of the collection lifecycle.
// pending and failed are live states; collected and expired are terminal.
var transitions = map[models.CollectionStatus][]models.CollectionStatus{
	models.CollectionPending: {
		models.CollectionCollected,
		models.CollectionFailed,
		models.CollectionExpired,
	},
	models.CollectionFailed: {
		models.CollectionCollected,
		models.CollectionFailed, // retry
		models.CollectionExpired,
	},
	models.CollectionCollected: {},
	models.CollectionExpired:   {},
}

// CanTransition reports whether the collection lifecycle allows moving a
// planned departure from one status to another.
func CanTransition(from, to models.CollectionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status excludes the departure from all
// future polling.
func IsTerminal(status models.CollectionStatus) bool {
	return len(transitions[status]) == 0
}

// IsCollectable reports whether a departure in this status is still
// eligible for polling.
func IsCollectable(status models.CollectionStatus) bool {
	return status == models.CollectionPending || status == models.CollectionFailed
}

// PastRetention reports whether the retention cutoff has passed for a
// departure planned at plannedTime. Upstream real-time data is assumed
// unavailable from that point on, so the outcome can no longer be resolved
// by further polling.
func PastRetention(plannedTime, now time.Time, retention time.Duration) bool {
	return now.Sub(plannedTime) >= retention
}
