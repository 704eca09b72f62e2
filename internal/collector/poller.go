package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/togforsinkelse/togforsinkelse_core/internal/entur"
	"github.com/togforsinkelse/togforsinkelse_core/internal/models"
)

// TickLocker guards against overlapping poll ticks. Overlap is safe either
// way because every write is an upsert, so the lock only saves duplicate
// upstream calls. A nil locker disables the guard.
type TickLocker interface {
	AcquirePollLock(ctx context.Context, ttl time.Duration) (bool, error)
	ReleasePollLock(ctx context.Context) error
}

// Poller resolves the real-world outcome of outstanding planned departures.
// Each tick it selects every departure in a live collection state whose
// planned time is far enough in the past, asks upstream for its current
// status, classifies what it finds and records the result. Departures past
// the retention cutoff are settled locally without an upstream call.
type Poller struct {
	store      Store
	api        JourneyAPI
	classifier Classifier
	locker     TickLocker

	// offset is how long after the planned time collection first becomes
	// eligible, giving the upstream system time to settle.
	offset    time.Duration
	retention time.Duration
	timezone  *time.Location
}

// NewPoller creates an actual-departure poller. locker may be nil.
func NewPoller(store Store, api JourneyAPI, classifier Classifier, locker TickLocker, offset time.Duration, timezone *time.Location) *Poller {
	return &Poller{
		store:      store,
		api:        api,
		classifier: classifier,
		locker:     locker,
		offset:     offset,
		retention:  classifier.Retention,
		timezone:   timezone,
	}
}

// RunTick executes one poll tick. A persistence error aborts the tick;
// unprocessed departures simply stay live and are picked up next tick.
func (p *Poller) RunTick(ctx context.Context, now time.Time) error {
	if p.locker != nil {
		acquired, err := p.locker.AcquirePollLock(ctx, 10*time.Minute)
		if err != nil {
			log.Warn().Err(err).Msg("Poll lock unavailable, proceeding unguarded")
		} else if !acquired {
			log.Info().Msg("Poll tick already running, skipping")
			return nil
		} else {
			defer p.locker.ReleasePollLock(ctx)
		}
	}

	departures, err := p.store.CollectableDepartures(ctx, now, p.offset)
	if err != nil {
		return fmt.Errorf("failed to select collectable departures: %w", err)
	}
	if len(departures) == 0 {
		log.Debug().Msg("No collectable departures")
		return nil
	}
	log.Info().Int("count", len(departures)).Msg("Collecting actual departures")

	var live, overdue []models.PlannedDeparture
	for _, dep := range departures {
		if PastRetention(dep.PlannedDepartureTime, now, p.retention) {
			overdue = append(overdue, dep)
		} else {
			live = append(live, dep)
		}
	}

	if err := p.collectLive(ctx, live, now); err != nil {
		return err
	}
	if err := p.settleOverdue(ctx, overdue, now); err != nil {
		return err
	}

	p.logStats(ctx, now)
	return nil
}

// collectLive queries upstream once per route and matches the returned calls
// to the outstanding departures by service journey id.
func (p *Poller) collectLive(ctx context.Context, departures []models.PlannedDeparture, now time.Time) error {
	if len(departures) == 0 {
		return nil
	}

	routes, err := p.store.LoadRoutes(ctx)
	if err != nil {
		return fmt.Errorf("failed to load routes: %w", err)
	}
	routesByID := make(map[int64]models.CommuteRoute, len(routes))
	for _, r := range routes {
		routesByID[r.ID] = r
	}

	byRoute := make(map[int64][]models.PlannedDeparture)
	for _, dep := range departures {
		byRoute[dep.RouteID] = append(byRoute[dep.RouteID], dep)
	}

	for routeID, routeDeps := range byRoute {
		route, ok := routesByID[routeID]
		if !ok {
			log.Warn().Int64("route_id", routeID).Msg("Departure references unknown route")
			continue
		}
		if err := p.collectRoute(ctx, route, routeDeps, now); err != nil {
			return err
		}
	}
	return nil
}

func (p *Poller) collectRoute(ctx context.Context, route models.CommuteRoute, departures []models.PlannedDeparture, now time.Time) error {
	minPlanned := departures[0].PlannedDepartureTime
	maxPlanned := departures[0].PlannedDepartureTime
	for _, dep := range departures[1:] {
		if dep.PlannedDepartureTime.Before(minPlanned) {
			minPlanned = dep.PlannedDepartureTime
		}
		if dep.PlannedDepartureTime.After(maxPlanned) {
			maxPlanned = dep.PlannedDepartureTime
		}
	}

	// Widen the window so late departures still show up
	windowStart := minPlanned.Add(-30 * time.Minute)
	window := maxPlanned.Add(2 * time.Hour).Sub(windowStart)

	calls, err := p.api.FetchEstimatedCalls(ctx, route, windowStart, window)
	if err != nil {
		// Transient upstream failure: departures keep their state and are
		// retried next tick without burning a retry.
		log.Error().Err(err).Str("route", route.RouteName).Msg("Upstream query failed, tick skipped for route")
		return nil
	}

	callsByJourney := make(map[string]entur.Call, len(calls))
	for _, call := range calls {
		callsByJourney[call.ServiceJourneyID] = call
	}

	var failed []FailedAttempt
	for _, dep := range departures {
		call, matched := callsByJourney[dep.ServiceJourneyID]
		if !matched {
			failed = append(failed, FailedAttempt{PlannedDepartureID: dep.ID})
			continue
		}

		outcome := p.classifier.Classify(dep.PlannedDepartureTime, call.ActualDepartureTime, call.ExpectedDepartureTime, call.Realtime, now)
		if !outcome.Classified {
			failed = append(failed, FailedAttempt{
				PlannedDepartureID: dep.ID,
				ExpectedTime:       call.ExpectedDepartureTime,
			})
			continue
		}

		actual := models.ActualDeparture{
			PlannedDepartureID:    dep.ID,
			ActualDepartureTime:   call.ActualDepartureTime,
			ExpectedDepartureTime: call.ExpectedDepartureTime,
			DelayMinutes:          outcome.DelayMinutes,
			IsCancelled:           call.Cancellation,
			IsRealtime:            call.Realtime,
			DepartureStatus:       outcome.Status,
			ClassificationReason:  outcome.Reason,
			CollectedAt:           now,
		}
		if call.ExpectedDepartureTime != nil {
			expectedDelay := wholeMinutes(call.ExpectedDepartureTime.Sub(dep.PlannedDepartureTime))
			actual.ExpectedDelayMinutes = &expectedDelay
		}

		if err := p.store.SaveActualDeparture(ctx, actual, models.CollectionCollected, now); err != nil {
			return fmt.Errorf("failed to save actual departure %d: %w", dep.ID, err)
		}

		log.Debug().
			Int64("planned_id", dep.ID).
			Str("status", string(outcome.Status)).
			Str("reason", outcome.Reason).
			Msg("Departure classified")
	}

	if len(failed) > 0 {
		for _, attempt := range failed {
			log.Warn().Int64("planned_id", attempt.PlannedDepartureID).Msg("Collection attempt failed")
		}
		if err := p.store.MarkFailed(ctx, failed, now); err != nil {
			return fmt.Errorf("failed to mark departures failed: %w", err)
		}
	}
	return nil
}

// settleOverdue resolves departures past the retention cutoff from what was
// observed while they were live. Upstream no longer carries data for them,
// so no API call is made: a remembered expected time near the planned time
// becomes a cancellation, anything else becomes unknown, and the departure
// leaves the polling set for good.
func (p *Poller) settleOverdue(ctx context.Context, departures []models.PlannedDeparture, now time.Time) error {
	for _, dep := range departures {
		outcome := p.classifier.Classify(dep.PlannedDepartureTime, nil, dep.LastExpectedTime, false, now)
		if !outcome.Classified {
			// Cannot happen past the cutoff, but leave the row live
			// rather than losing it.
			continue
		}

		newStatus := models.CollectionCollected
		if outcome.Status == models.StatusUnknown {
			newStatus = models.CollectionExpired
		}

		actual := models.ActualDeparture{
			PlannedDepartureID:    dep.ID,
			ExpectedDepartureTime: dep.LastExpectedTime,
			DepartureStatus:       outcome.Status,
			ClassificationReason:  outcome.Reason,
			CollectedAt:           now,
		}
		if dep.LastExpectedTime != nil {
			expectedDelay := wholeMinutes(dep.LastExpectedTime.Sub(dep.PlannedDepartureTime))
			actual.ExpectedDelayMinutes = &expectedDelay
		}

		if err := p.store.SaveActualDeparture(ctx, actual, newStatus, now); err != nil {
			return fmt.Errorf("failed to settle overdue departure %d: %w", dep.ID, err)
		}

		log.Info().
			Int64("planned_id", dep.ID).
			Time("planned", dep.PlannedDepartureTime).
			Str("status", string(outcome.Status)).
			Msg("Overdue departure settled")
	}
	return nil
}

func (p *Poller) logStats(ctx context.Context, now time.Time) {
	local := now.In(p.timezone)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.timezone)

	stats, err := p.store.CollectionStats(ctx, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read collection stats")
		return
	}
	if stats.Total == 0 {
		return
	}

	log.Info().
		Int("total", stats.Total).
		Int("collected", stats.Collected).
		Int("pending", stats.Pending).
		Int("failed", stats.Failed).
		Int("expired", stats.Expired).
		Float64("success_rate", stats.SuccessRate()).
		Msg("Collection stats")
}
