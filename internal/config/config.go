package config

import (
	"os"
	"strconv"
	"time"

	"github.com/togforsinkelse/togforsinkelse_core/internal/models"
)

// Config holds collector configuration
type Config struct {
	EnturAPIURL    string
	ClientName     string
	RequestTimeout time.Duration

	// DataRetention bounds how long after the planned time real-time data
	// is still collectable upstream.
	DataRetention time.Duration
	// CollectionOffset is how long after the planned time the first
	// collection attempt is made, giving upstream time to settle.
	CollectionOffset time.Duration
	// CancellationTolerance is the band around the planned time within
	// which an unconfirmed expected time is read as a silent cancellation.
	CancellationTolerance time.Duration

	// HarvestHour is the local hour of the daily timetable harvest.
	HarvestHour int

	Timezone *time.Location

	// AdminToken guards the trigger endpoints. Empty leaves them open,
	// which is fine for local runs.
	AdminToken string
	// TriggerRateLimit caps trigger requests per IP per minute.
	TriggerRateLimit int
}

// LoadFromEnv loads collector configuration from environment variables
func LoadFromEnv() *Config {
	retentionHours, _ := strconv.Atoi(getEnv("DATA_RETENTION_HOURS", "2"))
	offsetMinutes, _ := strconv.Atoi(getEnv("COLLECTION_OFFSET_MINUTES", "5"))
	toleranceMinutes, _ := strconv.Atoi(getEnv("CANCELLATION_TOLERANCE_MINUTES", "15"))
	harvestHour, _ := strconv.Atoi(getEnv("HARVEST_HOUR", "3"))
	triggerRate, _ := strconv.Atoi(getEnv("TRIGGER_RATE_LIMIT", "10"))
	timeoutSeconds, _ := strconv.Atoi(getEnv("ENTUR_TIMEOUT_SECONDS", "30"))

	tz, err := time.LoadLocation(getEnv("COLLECTOR_TZ", "Europe/Oslo"))
	if err != nil {
		tz = time.UTC
	}

	return &Config{
		EnturAPIURL:           getEnv("ENTUR_API_URL", "https://api.entur.io/journey-planner/v3/graphql"),
		ClientName:            getEnv("ENTUR_CLIENT_NAME", "togforsinkelse-collector"),
		RequestTimeout:        time.Duration(timeoutSeconds) * time.Second,
		DataRetention:         time.Duration(retentionHours) * time.Hour,
		CollectionOffset:      time.Duration(offsetMinutes) * time.Minute,
		CancellationTolerance: time.Duration(toleranceMinutes) * time.Minute,
		HarvestHour:           harvestHour,
		Timezone:              tz,
		AdminToken:            os.Getenv("ADMIN_TOKEN"),
		TriggerRateLimit:      triggerRate,
	}
}

// DefaultRoutes returns the fixed pair of monitored commute routes.
// They are seeded into the routes table on first run and immutable afterwards.
func DefaultRoutes() []models.CommuteRoute {
	return []models.CommuteRoute{
		{
			RouteName:               "Morning Commute",
			SourceStationID:         "NSR:StopPlace:59638",
			SourceStationName:       "Myrvoll",
			TargetStationID:         "NSR:StopPlace:337",
			TargetStationName:       "Oslo S",
			FinalDestinationPattern: "Lysaker|Stabekk",
			LineCode:                "L2",
			Direction:               models.DirectionMorning,
		},
		{
			RouteName:               "Afternoon Commute",
			SourceStationID:         "NSR:StopPlace:337",
			SourceStationName:       "Oslo S",
			TargetStationID:         "NSR:StopPlace:59638",
			TargetStationName:       "Myrvoll",
			FinalDestinationPattern: "Ski",
			LineCode:                "L2",
			Direction:               models.DirectionAfternoon,
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
