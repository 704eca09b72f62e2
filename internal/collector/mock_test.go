package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/togforsinkelse/togforsinkelse_core/internal/entur"
	"github.com/togforsinkelse/togforsinkelse_core/internal/models"
)

// fakeStore is an in-memory Store with the same upsert semantics as the
// Postgres implementation.
type fakeStore struct {
	routes  []models.CommuteRoute
	planned map[int64]*models.PlannedDeparture
	actuals map[int64]models.ActualDeparture
	nextID  int64

	failSaves bool
}

func newFakeStore(routes ...models.CommuteRoute) *fakeStore {
	return &fakeStore{
		routes:  routes,
		planned: make(map[int64]*models.PlannedDeparture),
		actuals: make(map[int64]models.ActualDeparture),
	}
}

func (s *fakeStore) LoadRoutes(ctx context.Context) ([]models.CommuteRoute, error) {
	return s.routes, nil
}

func (s *fakeStore) naturalKey(dep models.PlannedDeparture) string {
	return fmt.Sprintf("%d|%s|%s", dep.RouteID, dep.ServiceJourneyID, dep.PlannedDepartureTime.UTC())
}

func (s *fakeStore) UpsertPlannedDepartures(ctx context.Context, departures []models.PlannedDeparture) (int, error) {
	existing := make(map[string]bool)
	for _, dep := range s.planned {
		existing[s.naturalKey(*dep)] = true
	}

	inserted := 0
	for _, dep := range departures {
		if existing[s.naturalKey(dep)] {
			continue
		}
		existing[s.naturalKey(dep)] = true

		s.nextID++
		dep.ID = s.nextID
		dep.CollectionStatus = models.CollectionPending
		copied := dep
		s.planned[dep.ID] = &copied
		inserted++
	}
	return inserted, nil
}

func (s *fakeStore) CollectableDepartures(ctx context.Context, asOf time.Time, offset time.Duration) ([]models.PlannedDeparture, error) {
	var out []models.PlannedDeparture
	for _, dep := range s.planned {
		if !IsCollectable(dep.CollectionStatus) {
			continue
		}
		if dep.PlannedDepartureTime.After(asOf.Add(-offset)) {
			continue
		}
		out = append(out, *dep)
	}
	return out, nil
}

func (s *fakeStore) SaveActualDeparture(ctx context.Context, actual models.ActualDeparture, newStatus models.CollectionStatus, attemptTime time.Time) error {
	if s.failSaves {
		return errors.New("persistence unavailable")
	}
	if actual.ActualDepartureTime == nil && actual.DelayMinutes != nil && *actual.DelayMinutes > 0 {
		return errors.New("delay_minutes set without actual_departure_time")
	}

	s.actuals[actual.PlannedDepartureID] = actual

	if dep, ok := s.planned[actual.PlannedDepartureID]; ok {
		dep.CollectionStatus = newStatus
		dep.RetryCount++
		t := attemptTime
		dep.LastRetryTime = &t
	}
	return nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, attempts []FailedAttempt, attemptTime time.Time) error {
	for _, attempt := range attempts {
		dep, ok := s.planned[attempt.PlannedDepartureID]
		if !ok {
			continue
		}
		dep.CollectionStatus = models.CollectionFailed
		dep.RetryCount++
		t := attemptTime
		dep.LastRetryTime = &t
		if attempt.ExpectedTime != nil {
			dep.LastExpectedTime = attempt.ExpectedTime
		}
	}
	return nil
}

func (s *fakeStore) CollectionStats(ctx context.Context, from, to time.Time) (models.CollectionStats, error) {
	stats := models.CollectionStats{Date: from}
	for _, dep := range s.planned {
		if dep.PlannedDepartureTime.Before(from) || !dep.PlannedDepartureTime.Before(to) {
			continue
		}
		stats.Total++
		switch dep.CollectionStatus {
		case models.CollectionCollected:
			stats.Collected++
		case models.CollectionPending:
			stats.Pending++
		case models.CollectionFailed:
			stats.Failed++
		case models.CollectionExpired:
			stats.Expired++
		}
	}
	return stats, nil
}

func (s *fakeStore) DepartureMetrics(ctx context.Context, from, to time.Time) (models.DepartureMetrics, error) {
	var m models.DepartureMetrics
	for id, actual := range s.actuals {
		dep, ok := s.planned[id]
		if !ok || dep.PlannedDepartureTime.Before(from) || !dep.PlannedDepartureTime.Before(to) {
			continue
		}
		m.TotalDepartures++
		switch actual.DepartureStatus {
		case models.StatusOnTime:
			m.OnTime++
		case models.StatusDelayed:
			m.Delayed++
		case models.StatusSeverelyDelayed:
			m.SeverelyDelayed++
		case models.StatusCancelled:
			m.Cancelled++
		case models.StatusUnknown:
			m.Unknown++
		}
	}
	m.ComputeRates()
	return m, nil
}

// fakeAPI serves canned calls per route
type fakeAPI struct {
	plannedCalls   map[int64][]entur.Call
	estimatedCalls map[int64][]entur.Call
	plannedErr     map[int64]error
	estimatedErr   map[int64]error

	estimatedFetches int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		plannedCalls:   make(map[int64][]entur.Call),
		estimatedCalls: make(map[int64][]entur.Call),
		plannedErr:     make(map[int64]error),
		estimatedErr:   make(map[int64]error),
	}
}

func (a *fakeAPI) FetchPlannedDepartures(ctx context.Context, route models.CommuteRoute, startTime time.Time, window time.Duration) ([]entur.Call, error) {
	if err := a.plannedErr[route.ID]; err != nil {
		return nil, err
	}
	return a.plannedCalls[route.ID], nil
}

func (a *fakeAPI) FetchEstimatedCalls(ctx context.Context, route models.CommuteRoute, startTime time.Time, window time.Duration) ([]entur.Call, error) {
	a.estimatedFetches++
	if err := a.estimatedErr[route.ID]; err != nil {
		return nil, err
	}
	return a.estimatedCalls[route.ID], nil
}

// nopLocker always grants the poll lock
type nopLocker struct{}

func (nopLocker) AcquirePollLock(ctx context.Context, ttl time.Duration) (bool, error) {
	return true, nil
}

func (nopLocker) ReleasePollLock(ctx context.Context) error {
	return nil
}

func testRoute(id int64) models.CommuteRoute {
	return models.CommuteRoute{
		ID:                      id,
		RouteName:               "Morning Commute",
		SourceStationID:         "NSR:StopPlace:59638",
		SourceStationName:       "Myrvoll",
		TargetStationID:         "NSR:StopPlace:337",
		TargetStationName:       "Oslo S",
		FinalDestinationPattern: "Lysaker|Stabekk",
		LineCode:                "L2",
		Direction:               models.DirectionMorning,
	}
}
