package entur

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/togforsinkelse/togforsinkelse_core/internal/models"
)

// Call is one estimated call from the journey-planner API, flattened to the
// fields the collector needs.
type Call struct {
	ServiceJourneyID      string
	LineCode              string
	FinalDestination      string
	AimedDepartureTime    time.Time
	ExpectedDepartureTime *time.Time
	ActualDepartureTime   *time.Time
	Realtime              bool
	Cancellation          bool
}

// Client queries the Entur journey-planner GraphQL API
type Client struct {
	httpClient *http.Client
	baseURL    string
	clientName string
}

// NewClient creates an Entur API client. clientName is sent as ET-Client-Name,
// which Entur requires for rate-limiting accountability.
func NewClient(baseURL, clientName string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		clientName: clientName,
	}
}

const plannedDeparturesQuery = `
	query($id: String!, $startTime: DateTime!, $numberOfDepartures: Int!, $timeRange: Int!) {
		stopPlace(id: $id) {
			id
			name
			estimatedCalls(
				numberOfDepartures: $numberOfDepartures,
				startTime: $startTime,
				timeRange: $timeRange
			) {
				aimedDepartureTime
				serviceJourney {
					id
					line {
						publicCode
					}
				}
				destinationDisplay {
					frontText
				}
			}
		}
	}`

const estimatedCallsQuery = `
	query($id: String!, $startTime: DateTime!, $numberOfDepartures: Int!, $timeRange: Int!) {
		stopPlace(id: $id) {
			id
			name
			estimatedCalls(
				numberOfDepartures: $numberOfDepartures,
				startTime: $startTime,
				timeRange: $timeRange
			) {
				aimedDepartureTime
				expectedDepartureTime
				actualDepartureTime
				realtime
				cancellation
				serviceJourney {
					id
					line {
						publicCode
					}
				}
				destinationDisplay {
					frontText
				}
			}
		}
	}`

// FetchPlannedDepartures returns the timetabled calls at the route's origin
// stop within the window starting at startTime.
func (c *Client) FetchPlannedDepartures(ctx context.Context, route models.CommuteRoute, startTime time.Time, window time.Duration) ([]Call, error) {
	variables := map[string]interface{}{
		"id":                 route.SourceStationID,
		"startTime":          startTime.Format(time.RFC3339),
		"numberOfDepartures": 1000,
		"timeRange":          int(window.Seconds()),
	}
	return c.fetchCalls(ctx, plannedDeparturesQuery, variables)
}

// FetchEstimatedCalls returns the real-time call state at the route's origin
// stop within the window starting at startTime.
func (c *Client) FetchEstimatedCalls(ctx context.Context, route models.CommuteRoute, startTime time.Time, window time.Duration) ([]Call, error) {
	variables := map[string]interface{}{
		"id":                 route.SourceStationID,
		"startTime":          startTime.Format(time.RFC3339),
		"numberOfDepartures": 200,
		"timeRange":          int(window.Seconds()),
	}
	return c.fetchCalls(ctx, estimatedCallsQuery, variables)
}

// FetchActualStatus resolves the current real-time state of a single service
// journey around its planned time, or nil if the journey is not reported.
func (c *Client) FetchActualStatus(ctx context.Context, route models.CommuteRoute, serviceJourneyID string, plannedTime time.Time) (*Call, error) {
	calls, err := c.FetchEstimatedCalls(ctx, route, plannedTime.Add(-30*time.Minute), 3*time.Hour)
	if err != nil {
		return nil, err
	}
	for i := range calls {
		if calls[i].ServiceJourneyID == serviceJourneyID {
			return &calls[i], nil
		}
	}
	return nil, nil
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphqlResponse struct {
	Data struct {
		StopPlace *struct {
			ID             string    `json:"id"`
			Name           string    `json:"name"`
			EstimatedCalls []rawCall `json:"estimatedCalls"`
		} `json:"stopPlace"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type rawCall struct {
	AimedDepartureTime    string `json:"aimedDepartureTime"`
	ExpectedDepartureTime string `json:"expectedDepartureTime"`
	ActualDepartureTime   string `json:"actualDepartureTime"`
	Realtime              bool   `json:"realtime"`
	Cancellation          bool   `json:"cancellation"`
	ServiceJourney        struct {
		ID   string `json:"id"`
		Line struct {
			PublicCode string `json:"publicCode"`
		} `json:"line"`
	} `json:"serviceJourney"`
	DestinationDisplay struct {
		FrontText string `json:"frontText"`
	} `json:"destinationDisplay"`
}

func (c *Client) fetchCalls(ctx context.Context, query string, variables map[string]interface{}) ([]Call, error) {
	payload, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp graphqlResponse

	// One bounded retry on transient network failure; state-level retry is
	// handled by the planned-departure lifecycle, not here.
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("ET-Client-Name", c.clientName)

		res, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		if res.StatusCode >= 500 {
			return fmt.Errorf("upstream returned status %d", res.StatusCode)
		}
		if res.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("upstream returned status %d", res.StatusCode))
		}

		resp = graphqlResponse{}
		if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("journey-planner request failed: %w", err)
	}

	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}
	if resp.Data.StopPlace == nil {
		return nil, fmt.Errorf("stop place not found")
	}

	calls := make([]Call, 0, len(resp.Data.StopPlace.EstimatedCalls))
	for _, rc := range resp.Data.StopPlace.EstimatedCalls {
		call, err := rc.toCall()
		if err != nil {
			// Malformed call entries are skipped, not fatal to the batch
			continue
		}
		calls = append(calls, call)
	}
	return calls, nil
}

func (rc rawCall) toCall() (Call, error) {
	aimed, err := time.Parse(time.RFC3339, rc.AimedDepartureTime)
	if err != nil {
		return Call{}, fmt.Errorf("invalid aimedDepartureTime %q: %w", rc.AimedDepartureTime, err)
	}

	call := Call{
		ServiceJourneyID:   rc.ServiceJourney.ID,
		LineCode:           rc.ServiceJourney.Line.PublicCode,
		FinalDestination:   rc.DestinationDisplay.FrontText,
		AimedDepartureTime: aimed,
		Realtime:           rc.Realtime,
		Cancellation:       rc.Cancellation,
	}

	if rc.ExpectedDepartureTime != "" {
		t, err := time.Parse(time.RFC3339, rc.ExpectedDepartureTime)
		if err != nil {
			return Call{}, fmt.Errorf("invalid expectedDepartureTime %q: %w", rc.ExpectedDepartureTime, err)
		}
		call.ExpectedDepartureTime = &t
	}
	if rc.ActualDepartureTime != "" {
		t, err := time.Parse(time.RFC3339, rc.ActualDepartureTime)
		if err != nil {
			return Call{}, fmt.Errorf("invalid actualDepartureTime %q: %w", rc.ActualDepartureTime, err)
		}
		call.ActualDepartureTime = &t
	}
	return call, nil
}
