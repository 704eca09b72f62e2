package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/togforsinkelse/togforsinkelse_core/internal/collector"
	"github.com/togforsinkelse/togforsinkelse_core/internal/models"
)

// ErrPhantomDelay rejects an actual-departure write whose delay was not
// derived from a confirmed actual departure time.
var ErrPhantomDelay = errors.New("delay_minutes set without actual_departure_time")

// Postgres implements the collector's persistence boundary on PostgreSQL
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a Postgres store
func New(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// SeedRoutes inserts the configured commute routes if they do not exist.
// Existing routes are never modified; they are immutable after creation.
func (s *Postgres) SeedRoutes(ctx context.Context, routes []models.CommuteRoute) error {
	for _, r := range routes {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO commute_routes
				(route_name, source_station_id, source_station_name,
				 target_station_id, target_station_name,
				 final_destination_pattern, line_code, direction)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (route_name) DO NOTHING
		`, r.RouteName, r.SourceStationID, r.SourceStationName,
			r.TargetStationID, r.TargetStationName,
			r.FinalDestinationPattern, r.LineCode, r.Direction)
		if err != nil {
			return fmt.Errorf("failed to seed route %s: %w", r.RouteName, err)
		}
	}
	return nil
}

// LoadRoutes returns all monitored commute routes
func (s *Postgres) LoadRoutes(ctx context.Context) ([]models.CommuteRoute, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, route_name, source_station_id, source_station_name,
		       target_station_id, target_station_name,
		       final_destination_pattern, line_code, direction, created_at
		FROM commute_routes
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query routes: %w", err)
	}
	defer rows.Close()

	var routes []models.CommuteRoute
	for rows.Next() {
		var r models.CommuteRoute
		if err := rows.Scan(&r.ID, &r.RouteName, &r.SourceStationID, &r.SourceStationName,
			&r.TargetStationID, &r.TargetStationName,
			&r.FinalDestinationPattern, &r.LineCode, &r.Direction, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan route: %w", err)
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// UpsertPlannedDepartures inserts departures new by natural key. Conflicts
// are left untouched: collection state and retry bookkeeping are owned by
// the poller and must never be reset by a re-harvest.
func (s *Postgres) UpsertPlannedDepartures(ctx context.Context, departures []models.PlannedDeparture) (int, error) {
	if len(departures) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, dep := range departures {
		batch.Queue(`
			INSERT INTO planned_departures
				(route_id, planned_departure_time, service_journey_id,
				 line_code, final_destination, collection_status)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (route_id, service_journey_id, planned_departure_time) DO NOTHING
		`, dep.RouteID, dep.PlannedDepartureTime, dep.ServiceJourneyID,
			dep.LineCode, dep.FinalDestination, models.CollectionPending)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for i := 0; i < batch.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("failed to upsert planned departure %d: %w", i, err)
		}
		if tag.RowsAffected() > 0 {
			inserted++
		}
	}
	return inserted, nil
}

// CollectableDepartures returns departures in a live collection state whose
// planned time is at least offset in the past, oldest first.
func (s *Postgres) CollectableDepartures(ctx context.Context, asOf time.Time, offset time.Duration) ([]models.PlannedDeparture, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pd.id, pd.route_id, cr.route_name, pd.planned_departure_time,
		       pd.service_journey_id, pd.line_code, pd.final_destination,
		       pd.collection_status, pd.retry_count, pd.last_retry_time,
		       pd.last_expected_time, pd.created_at
		FROM planned_departures pd
		JOIN commute_routes cr ON pd.route_id = cr.id
		WHERE pd.collection_status IN ($1, $2)
		  AND pd.planned_departure_time <= $3
		ORDER BY pd.planned_departure_time
	`, models.CollectionPending, models.CollectionFailed, asOf.Add(-offset))
	if err != nil {
		return nil, fmt.Errorf("failed to query collectable departures: %w", err)
	}
	defer rows.Close()

	var departures []models.PlannedDeparture
	for rows.Next() {
		var dep models.PlannedDeparture
		if err := rows.Scan(&dep.ID, &dep.RouteID, &dep.RouteName, &dep.PlannedDepartureTime,
			&dep.ServiceJourneyID, &dep.LineCode, &dep.FinalDestination,
			&dep.CollectionStatus, &dep.RetryCount, &dep.LastRetryTime,
			&dep.LastExpectedTime, &dep.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan planned departure: %w", err)
		}
		departures = append(departures, dep)
	}
	return departures, rows.Err()
}

// SaveActualDeparture upserts the single actual-departure row for a planned
// departure and advances the planned departure's collection state, in one
// transaction. The unique constraint on planned_departure_id turns
// concurrent writes into last-write-wins updates.
func (s *Postgres) SaveActualDeparture(ctx context.Context, actual models.ActualDeparture, newStatus models.CollectionStatus, attemptTime time.Time) error {
	if actual.ActualDepartureTime == nil && actual.DelayMinutes != nil && *actual.DelayMinutes > 0 {
		return fmt.Errorf("planned departure %d: %w", actual.PlannedDepartureID, ErrPhantomDelay)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE planned_departures
		SET collection_status = $1, retry_count = retry_count + 1, last_retry_time = $2
		WHERE id = $3
	`, newStatus, attemptTime, actual.PlannedDepartureID); err != nil {
		return fmt.Errorf("failed to update collection status: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO actual_departures
			(planned_departure_id, actual_departure_time, expected_departure_time,
			 delay_minutes, expected_delay_minutes, is_cancelled, is_realtime,
			 departure_status, classification_reason, collected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (planned_departure_id) DO UPDATE
		SET actual_departure_time = EXCLUDED.actual_departure_time,
		    expected_departure_time = EXCLUDED.expected_departure_time,
		    delay_minutes = EXCLUDED.delay_minutes,
		    expected_delay_minutes = EXCLUDED.expected_delay_minutes,
		    is_cancelled = EXCLUDED.is_cancelled,
		    is_realtime = EXCLUDED.is_realtime,
		    departure_status = EXCLUDED.departure_status,
		    classification_reason = EXCLUDED.classification_reason,
		    collected_at = EXCLUDED.collected_at
	`, actual.PlannedDepartureID, actual.ActualDepartureTime, actual.ExpectedDepartureTime,
		actual.DelayMinutes, actual.ExpectedDelayMinutes, actual.IsCancelled, actual.IsRealtime,
		actual.DepartureStatus, actual.ClassificationReason, actual.CollectedAt); err != nil {
		return fmt.Errorf("failed to upsert actual departure: %w", err)
	}

	return tx.Commit(ctx)
}

// MarkFailed records unsuccessful collection attempts
func (s *Postgres) MarkFailed(ctx context.Context, attempts []collector.FailedAttempt, attemptTime time.Time) error {
	if len(attempts) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, attempt := range attempts {
		batch.Queue(`
			UPDATE planned_departures
			SET collection_status = $1,
			    retry_count = retry_count + 1,
			    last_retry_time = $2,
			    last_expected_time = COALESCE($3, last_expected_time)
			WHERE id = $4
		`, models.CollectionFailed, attemptTime, attempt.ExpectedTime, attempt.PlannedDepartureID)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to mark departure failed: %w", err)
		}
	}
	return nil
}

// CollectionStats summarizes collection progress for departures planned in
// [from, to).
func (s *Postgres) CollectionStats(ctx context.Context, from, to time.Time) (models.CollectionStats, error) {
	stats := models.CollectionStats{Date: from}

	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE collection_status = 'collected'),
		       COUNT(*) FILTER (WHERE collection_status = 'pending'),
		       COUNT(*) FILTER (WHERE collection_status = 'failed'),
		       COUNT(*) FILTER (WHERE collection_status = 'expired')
		FROM planned_departures
		WHERE planned_departure_time >= $1 AND planned_departure_time < $2
	`, from, to).Scan(&stats.Total, &stats.Collected, &stats.Pending, &stats.Failed, &stats.Expired)
	if err != nil {
		return stats, fmt.Errorf("failed to query collection stats: %w", err)
	}
	return stats, nil
}

// DepartureMetrics aggregates classified outcomes for departures planned in
// [from, to).
func (s *Postgres) DepartureMetrics(ctx context.Context, from, to time.Time) (models.DepartureMetrics, error) {
	var m models.DepartureMetrics

	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE ad.departure_status = 'on_time'),
		       COUNT(*) FILTER (WHERE ad.departure_status = 'delayed'),
		       COUNT(*) FILTER (WHERE ad.departure_status = 'severely_delayed'),
		       COUNT(*) FILTER (WHERE ad.departure_status = 'cancelled'),
		       COUNT(*) FILTER (WHERE ad.departure_status = 'unknown')
		FROM actual_departures ad
		JOIN planned_departures pd ON ad.planned_departure_id = pd.id
		WHERE pd.planned_departure_time >= $1 AND pd.planned_departure_time < $2
	`, from, to).Scan(&m.TotalDepartures, &m.OnTime, &m.Delayed,
		&m.SeverelyDelayed, &m.Cancelled, &m.Unknown)
	if err != nil {
		return m, fmt.Errorf("failed to query departure metrics: %w", err)
	}

	m.ComputeRates()
	return m, nil
}
