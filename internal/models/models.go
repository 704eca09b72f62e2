package models

import "time"

// CollectionStatus tracks how far polling has progressed for a planned departure
type CollectionStatus string

const (
	CollectionPending   CollectionStatus = "pending"
	CollectionCollected CollectionStatus = "collected"
	CollectionFailed    CollectionStatus = "failed"
	CollectionExpired   CollectionStatus = "expired"
)

// DepartureStatus classifies the real-world outcome of a departure
type DepartureStatus string

const (
	StatusOnTime          DepartureStatus = "on_time"
	StatusDelayed         DepartureStatus = "delayed"
	StatusSeverelyDelayed DepartureStatus = "severely_delayed"
	StatusCancelled       DepartureStatus = "cancelled"
	StatusUnknown         DepartureStatus = "unknown"
)

// Direction identifies which half of the commute a route covers
type Direction string

const (
	DirectionMorning   Direction = "morning"
	DirectionAfternoon Direction = "afternoon"
)

// CommuteRoute is a fixed origin→destination pair monitored continuously.
// Routes are immutable at runtime; exactly one route is active per direction.
type CommuteRoute struct {
	ID                      int64
	RouteName               string
	SourceStationID         string
	SourceStationName       string
	TargetStationID         string
	TargetStationName       string
	FinalDestinationPattern string // pipe-delimited alternatives, empty = match all
	LineCode                string
	Direction               Direction
	CreatedAt               time.Time
}

// PlannedDeparture is one scheduled service journey harvested from the timetable
type PlannedDeparture struct {
	ID                   int64
	RouteID              int64
	RouteName            string
	PlannedDepartureTime time.Time
	ServiceJourneyID     string
	LineCode             string
	FinalDestination     string
	CollectionStatus     CollectionStatus
	RetryCount           int
	LastRetryTime        *time.Time
	// LastExpectedTime remembers the most recent expected departure time
	// upstream reported for this journey, so a silent cancellation can
	// still be judged after upstream stops reporting the journey.
	LastExpectedTime *time.Time
	CreatedAt        time.Time
}

// ActualDeparture is the resolved outcome of a planned departure (1:1 by FK).
// DelayMinutes is only ever derived from a confirmed actual departure time;
// it stays nil while only an expected time is known.
type ActualDeparture struct {
	PlannedDepartureID    int64
	ActualDepartureTime   *time.Time
	ExpectedDepartureTime *time.Time
	DelayMinutes          *int
	ExpectedDelayMinutes  *int
	IsCancelled           bool
	IsRealtime            bool
	DepartureStatus       DepartureStatus
	ClassificationReason  string
	CollectedAt           time.Time
}

// CollectionStats summarizes collection progress for one operational day
type CollectionStats struct {
	Date      time.Time `json:"date"`
	Total     int       `json:"total"`
	Collected int       `json:"collected"`
	Pending   int       `json:"pending"`
	Failed    int       `json:"failed"`
	Expired   int       `json:"expired"`
}

// SuccessRate returns the collected share in percent, 0 for an empty day
func (s CollectionStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Collected) / float64(s.Total) * 100
}

// DepartureMetrics aggregates classified outcomes for reporting
type DepartureMetrics struct {
	TotalDepartures  int     `json:"total_departures"`
	OnTime           int     `json:"on_time"`
	Delayed          int     `json:"delayed"`
	SeverelyDelayed  int     `json:"severely_delayed"`
	Cancelled        int     `json:"cancelled"`
	Unknown          int     `json:"unknown"`
	OnTimeRate       float64 `json:"on_time_rate"`
	DelayRate        float64 `json:"delay_rate"`
	CancellationRate float64 `json:"cancellation_rate"`
	SevereDelayRate  float64 `json:"severe_delay_rate"`
}

// ComputeRates fills the percentage fields from the raw counts
func (m *DepartureMetrics) ComputeRates() {
	if m.TotalDepartures == 0 {
		return
	}
	total := float64(m.TotalDepartures)
	m.OnTimeRate = float64(m.OnTime) / total * 100
	m.DelayRate = float64(m.Delayed+m.SeverelyDelayed) / total * 100
	m.CancellationRate = float64(m.Cancelled) / total * 100
	m.SevereDelayRate = float64(m.SeverelyDelayed) / total * 100
}
