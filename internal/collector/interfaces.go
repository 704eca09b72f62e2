package collector

import (
	"context"
	"time"

	"github.com/togforsinkelse/togforsinkelse_core/internal/entur"
	"github.com/togforsinkelse/togforsinkelse_core/internal/models"
)

// JourneyAPI is the upstream journey-planner boundary
type JourneyAPI interface {
	// FetchPlannedDepartures returns the timetabled calls at the route's
	// origin stop within the window starting at startTime.
	FetchPlannedDepartures(ctx context.Context, route models.CommuteRoute, startTime time.Time, window time.Duration) ([]entur.Call, error)
	// FetchEstimatedCalls returns the current real-time call state at the
	// route's origin stop within the window starting at startTime.
	FetchEstimatedCalls(ctx context.Context, route models.CommuteRoute, startTime time.Time, window time.Duration) ([]entur.Call, error)
}

// FailedAttempt records one unsuccessful collection attempt. ExpectedTime
// carries the upstream expected departure time when one was reported, so a
// later tick can still judge a silent cancellation after upstream data for
// the journey has disappeared.
type FailedAttempt struct {
	PlannedDepartureID int64
	ExpectedTime       *time.Time
}

// Store is the persistence boundary. All writes are upserts keyed by
// natural keys, so overlapping invocations degrade to last-write-wins
// updates instead of duplicate rows.
type Store interface {
	LoadRoutes(ctx context.Context) ([]models.CommuteRoute, error)

	// UpsertPlannedDepartures inserts departures that are new by
	// (route, service journey, planned time) and leaves existing rows'
	// collection state untouched. Returns the number of new rows.
	UpsertPlannedDepartures(ctx context.Context, departures []models.PlannedDeparture) (int, error)

	// CollectableDepartures returns departures in a live collection state
	// whose planned time is at least offset in the past.
	CollectableDepartures(ctx context.Context, asOf time.Time, offset time.Duration) ([]models.PlannedDeparture, error)

	// SaveActualDeparture upserts the one actual-departure record for a
	// planned departure and moves the planned departure to newStatus, in a
	// single transaction.
	SaveActualDeparture(ctx context.Context, actual models.ActualDeparture, newStatus models.CollectionStatus, attemptTime time.Time) error

	// MarkFailed records unsuccessful attempts: status failed, retry count
	// incremented, attempt time stamped, expected-time observation kept.
	MarkFailed(ctx context.Context, attempts []FailedAttempt, attemptTime time.Time) error

	CollectionStats(ctx context.Context, from, to time.Time) (models.CollectionStats, error)
	DepartureMetrics(ctx context.Context, from, to time.Time) (models.DepartureMetrics, error)
}
