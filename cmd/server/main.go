package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/togforsinkelse/togforsinkelse_core/internal/api"
	"github.com/togforsinkelse/togforsinkelse_core/internal/cache"
	"github.com/togforsinkelse/togforsinkelse_core/internal/collector"
	"github.com/togforsinkelse/togforsinkelse_core/internal/config"
	"github.com/togforsinkelse/togforsinkelse_core/internal/db"
	"github.com/togforsinkelse/togforsinkelse_core/internal/entur"
	"github.com/togforsinkelse/togforsinkelse_core/internal/middleware"
	"github.com/togforsinkelse/togforsinkelse_core/internal/store"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	log.Info().Msg("Starting togforsinkelse collector server")

	cfg := config.LoadFromEnv()

	pool, err := db.GetDB()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(context.Background(), pool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	rdb, err := cache.GetClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer cache.Close()

	pg := store.New(pool)
	if err := pg.SeedRoutes(context.Background(), config.DefaultRoutes()); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed commute routes")
	}

	client := entur.NewClient(cfg.EnturAPIURL, cfg.ClientName, cfg.RequestTimeout)
	classifier := collector.Classifier{
		Retention:             cfg.DataRetention,
		CancellationTolerance: cfg.CancellationTolerance,
	}

	api.Setup(&api.Dependencies{
		Store:     pg,
		Harvester: collector.NewHarvester(pg, client, cfg.Timezone),
		Poller:    collector.NewPoller(pg, client, classifier, cache.PollLock{}, cfg.CollectionOffset, cfg.Timezone),
		Config:    cfg,
	})

	app := fiber.New(fiber.Config{
		AppName:      "Togforsinkelse Collector",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
		ErrorHandler: errorHandler,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))

	app.Get("/health", api.Health)

	rateLimit := middleware.RateLimit(rdb, cfg.TriggerRateLimit, time.Minute)
	if cfg.AdminToken != "" {
		auth := middleware.RequireToken(cfg.AdminToken)
		app.Post("/collect", rateLimit, auth, api.TriggerCollect)
		app.Post("/harvest", rateLimit, auth, api.TriggerHarvest)
	} else {
		log.Warn().Msg("ADMIN_TOKEN not set, trigger endpoints are unauthenticated")
		app.Post("/collect", rateLimit, api.TriggerCollect)
		app.Post("/harvest", rateLimit, api.TriggerHarvest)
	}

	app.Get("/stats", api.Stats)
	app.Get("/metrics", api.Metrics)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "endpoint not found",
		})
	})

	addr := fmt.Sprintf(":%s", getEnv("API_PORT", "8080"))

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down gracefully")
		if err := app.Shutdown(); err != nil {
			log.Error().Err(err).Msg("Error during shutdown")
		}
	}()

	log.Info().Str("addr", addr).Msg("Server listening")
	if err := app.Listen(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	log.Error().Err(err).Str("path", c.Path()).Msg("Request failed")

	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
