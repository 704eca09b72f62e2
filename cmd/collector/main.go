package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/togforsinkelse/togforsinkelse_core/internal/cache"
	"github.com/togforsinkelse/togforsinkelse_core/internal/collector"
	"github.com/togforsinkelse/togforsinkelse_core/internal/config"
	"github.com/togforsinkelse/togforsinkelse_core/internal/db"
	"github.com/togforsinkelse/togforsinkelse_core/internal/entur"
	"github.com/togforsinkelse/togforsinkelse_core/internal/store"
)

func main() {
	plannedOnly := flag.Bool("planned-only", false, "Run only the planned departure harvest")
	actualOnly := flag.Bool("actual-only", false, "Run only one actual departure poll tick")
	continuous := flag.Bool("continuous", false, "Run continuously with adaptive scheduling")
	verbose := flag.Bool("verbose", false, "Enable debug logging")

	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg := config.LoadFromEnv()

	pool, err := db.GetDB()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	pg := store.New(pool)
	if err := pg.SeedRoutes(ctx, config.DefaultRoutes()); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed commute routes")
	}

	// The poll lock is only useful when ticks can overlap, so the lock (and
	// with it the Redis requirement) is limited to continuous mode.
	var locker collector.TickLocker
	if *continuous {
		if _, err := cache.GetClient(); err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, poll ticks run unguarded")
		} else {
			locker = cache.PollLock{}
			defer cache.Close()
		}
	}

	client := entur.NewClient(cfg.EnturAPIURL, cfg.ClientName, cfg.RequestTimeout)
	classifier := collector.Classifier{
		Retention:             cfg.DataRetention,
		CancellationTolerance: cfg.CancellationTolerance,
	}
	harvester := collector.NewHarvester(pg, client, cfg.Timezone)
	poller := collector.NewPoller(pg, client, classifier, locker, cfg.CollectionOffset, cfg.Timezone)

	switch {
	case *plannedOnly:
		if err := harvester.Run(ctx, time.Now()); err != nil {
			log.Fatal().Err(err).Msg("Planned departure harvest failed")
		}
	case *actualOnly:
		if err := poller.RunTick(ctx, time.Now()); err != nil {
			log.Fatal().Err(err).Msg("Actual departure poll failed")
		}
	case *continuous:
		runContinuous(ctx, cfg, harvester, poller)
	default:
		// One full cycle: harvest (idempotent), then poll once
		if err := harvester.Run(ctx, time.Now()); err != nil {
			log.Fatal().Err(err).Msg("Planned departure harvest failed")
		}
		if err := poller.RunTick(ctx, time.Now()); err != nil {
			log.Fatal().Err(err).Msg("Actual departure poll failed")
		}
	}
}

// runContinuous polls on the adaptive interval and harvests the timetable
// once per operational day at the configured local hour. Interruption is
// lossless: unprocessed departures stay live and are picked up by the next
// invocation.
func runContinuous(ctx context.Context, cfg *config.Config, harvester *collector.Harvester, poller *collector.Poller) {
	log.Info().Msg("Starting continuous collection")

	var lastHarvestDay string

	for {
		now := time.Now()
		local := now.In(cfg.Timezone)

		if local.Hour() >= cfg.HarvestHour {
			day := local.Format("2006-01-02")
			if day != lastHarvestDay {
				if err := harvester.Run(ctx, now); err != nil {
					log.Error().Err(err).Msg("Daily harvest failed")
				} else {
					lastHarvestDay = day
				}
			}
		}

		if err := poller.RunTick(ctx, now); err != nil {
			log.Error().Err(err).Msg("Poll tick failed")
		}

		interval := collector.IntervalFor(local)
		log.Info().Dur("interval", interval).Msg("Next collection scheduled")

		select {
		case <-ctx.Done():
			log.Info().Msg("Stopping continuous collection")
			return
		case <-time.After(interval):
		}
	}
}
