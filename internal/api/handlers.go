package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/togforsinkelse/togforsinkelse_core/internal/cache"
	"github.com/togforsinkelse/togforsinkelse_core/internal/collector"
	"github.com/togforsinkelse/togforsinkelse_core/internal/config"
	"github.com/togforsinkelse/togforsinkelse_core/internal/db"
	"github.com/togforsinkelse/togforsinkelse_core/internal/store"
)

// Dependencies wires the handlers to the collection engine
type Dependencies struct {
	Store     *store.Postgres
	Harvester *collector.Harvester
	Poller    *collector.Poller
	Config    *config.Config
}

var deps *Dependencies

// Setup installs the handler dependencies. Must be called before serving.
func Setup(d *Dependencies) {
	deps = d
}

// Health handles the /health endpoint
func Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "ok"
	if err := db.HealthCheck(ctx); err != nil {
		dbStatus = err.Error()
	}
	cacheStatus := "ok"
	if err := cache.HealthCheck(ctx); err != nil {
		cacheStatus = err.Error()
	}

	status := "healthy"
	code := fiber.StatusOK
	if dbStatus != "ok" {
		status = "unhealthy"
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(fiber.Map{
		"status":    status,
		"service":   "togforsinkelse-collector",
		"database":  dbStatus,
		"cache":     cacheStatus,
		"timestamp": time.Now().UTC(),
	})
}

// TriggerCollect handles POST /collect: kicks off an actual-departure poll
// tick in the background and returns immediately. Safe to invoke at any
// frequency; overlapping ticks are serialized by the poll lock and every
// write is an upsert.
func TriggerCollect(c *fiber.Ctx) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if err := deps.Poller.RunTick(ctx, time.Now()); err != nil {
			log.Error().Err(err).Msg("Triggered poll tick failed")
		}
	}()

	return c.JSON(fiber.Map{
		"status":    "collection_triggered",
		"message":   "actual departure collection started",
		"timestamp": time.Now().UTC(),
	})
}

// TriggerHarvest handles POST /harvest: kicks off the daily planned-departure
// harvest in the background. Idempotent per route per day.
func TriggerHarvest(c *fiber.Ctx) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if err := deps.Harvester.Run(ctx, time.Now()); err != nil {
			log.Error().Err(err).Msg("Triggered harvest failed")
		}
	}()

	return c.JSON(fiber.Map{
		"status":    "harvest_triggered",
		"message":   "planned departure harvest started",
		"timestamp": time.Now().UTC(),
	})
}

// Stats handles GET /stats?date=YYYY-MM-DD (default today): collection
// progress for one operational day, cached briefly in Redis.
func Stats(c *fiber.Ctx) error {
	day, err := parseDay(c.Query("date"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid date, expected YYYY-MM-DD",
		})
	}

	ctx := c.Context()
	key := cache.StatsKey(day)

	if cached, err := cache.GetStats(ctx, key); err == nil && cached != nil {
		return c.JSON(cached)
	}

	stats, err := deps.Store.CollectionStats(ctx, day, day.Add(24*time.Hour))
	if err != nil {
		log.Error().Err(err).Msg("Failed to read collection stats")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to read collection stats",
		})
	}

	if err := cache.SetStats(ctx, key, &stats, time.Minute); err != nil {
		log.Warn().Err(err).Msg("Failed to cache collection stats")
	}
	return c.JSON(stats)
}

// Metrics handles GET /metrics?date=YYYY-MM-DD (default today): classified
// departure outcomes and their rates for one operational day.
func Metrics(c *fiber.Ctx) error {
	day, err := parseDay(c.Query("date"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid date, expected YYYY-MM-DD",
		})
	}

	ctx := c.Context()
	key := cache.MetricsKey(day)

	if cached, err := cache.GetMetrics(ctx, key); err == nil && cached != nil {
		return c.JSON(cached)
	}

	metrics, err := deps.Store.DepartureMetrics(ctx, day, day.Add(24*time.Hour))
	if err != nil {
		log.Error().Err(err).Msg("Failed to read departure metrics")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to read departure metrics",
		})
	}

	if err := cache.SetMetrics(ctx, key, &metrics, time.Minute); err != nil {
		log.Warn().Err(err).Msg("Failed to cache departure metrics")
	}
	return c.JSON(metrics)
}

// parseDay resolves an optional YYYY-MM-DD query value to the start of that
// day in the collector's timezone, defaulting to today.
func parseDay(value string) (time.Time, error) {
	tz := deps.Config.Timezone

	if value == "" {
		now := time.Now().In(tz)
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, tz), nil
	}

	day, err := time.ParseInLocation("2006-01-02", value, tz)
	if err != nil {
		return time.Time{}, err
	}
	return day, nil
}
