package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/togforsinkelse/togforsinkelse_core/internal/models"
)

// Harvester materializes the next day's timetable into planned departures.
// It runs once per operational day and is idempotent: re-running upserts by
// natural key and never duplicates a service journey.
type Harvester struct {
	store    Store
	api      JourneyAPI
	timezone *time.Location
}

// NewHarvester creates a planned-departure harvester
func NewHarvester(store Store, api JourneyAPI, timezone *time.Location) *Harvester {
	return &Harvester{store: store, api: api, timezone: timezone}
}

// Run harvests planned departures for every active route over the 24 hours
// starting at the current operational day. A failed upstream call skips that
// route's run; rows already committed for other routes stay.
func (h *Harvester) Run(ctx context.Context, now time.Time) error {
	routes, err := h.store.LoadRoutes(ctx)
	if err != nil {
		return fmt.Errorf("failed to load routes: %w", err)
	}

	local := now.In(h.timezone)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, h.timezone)

	for _, route := range routes {
		if err := h.harvestRoute(ctx, route, dayStart); err != nil {
			log.Error().Err(err).Str("route", route.RouteName).Msg("Planned departure harvest skipped")
			continue
		}
	}
	return nil
}

func (h *Harvester) harvestRoute(ctx context.Context, route models.CommuteRoute, dayStart time.Time) error {
	calls, err := h.api.FetchPlannedDepartures(ctx, route, dayStart, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("failed to fetch planned departures: %w", err)
	}

	departures := make([]models.PlannedDeparture, 0, len(calls))
	for _, call := range calls {
		if route.LineCode != "" && call.LineCode != route.LineCode {
			continue
		}
		if !MatchesFinalDestination(call.FinalDestination, route.FinalDestinationPattern) {
			continue
		}

		departures = append(departures, models.PlannedDeparture{
			RouteID:              route.ID,
			PlannedDepartureTime: call.AimedDepartureTime,
			ServiceJourneyID:     call.ServiceJourneyID,
			LineCode:             call.LineCode,
			FinalDestination:     call.FinalDestination,
			CollectionStatus:     models.CollectionPending,
		})
	}

	inserted, err := h.store.UpsertPlannedDepartures(ctx, departures)
	if err != nil {
		return fmt.Errorf("failed to store planned departures: %w", err)
	}

	log.Info().
		Str("route", route.RouteName).
		Int("matched", len(departures)).
		Int("new", inserted).
		Msg("Planned departures harvested")
	return nil
}
