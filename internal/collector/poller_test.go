package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/togforsinkelse/togforsinkelse_core/internal/entur"
	"github.com/togforsinkelse/togforsinkelse_core/internal/models"
)

func newTestPoller(store *fakeStore, api *fakeAPI) *Poller {
	classifier := Classifier{
		Retention:             2 * time.Hour,
		CancellationTolerance: 15 * time.Minute,
	}
	return NewPoller(store, api, classifier, nopLocker{}, 5*time.Minute, time.UTC)
}

func seedPlanned(store *fakeStore, routeID int64, journeyID string, planned time.Time) int64 {
	store.nextID++
	id := store.nextID
	store.planned[id] = &models.PlannedDeparture{
		ID:                   id,
		RouteID:              routeID,
		PlannedDepartureTime: planned,
		ServiceJourneyID:     journeyID,
		LineCode:             "L2",
		FinalDestination:     "Lysaker",
		CollectionStatus:     models.CollectionPending,
	}
	return id
}

func estimatedCall(journeyID string, aimed time.Time, actual, expected *time.Time) entur.Call {
	return entur.Call{
		ServiceJourneyID:      journeyID,
		LineCode:              "L2",
		FinalDestination:      "Lysaker",
		AimedDepartureTime:    aimed,
		ActualDepartureTime:   actual,
		ExpectedDepartureTime: expected,
		Realtime:              true,
	}
}

func TestPollerCollectsConfirmedDeparture(t *testing.T) {
	route := testRoute(1)
	store := newFakeStore(route)
	api := newFakeAPI()
	planned := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	id := seedPlanned(store, route.ID, "NSB:ServiceJourney:1", planned)

	actual := planned.Add(1 * time.Minute)
	api.estimatedCalls[route.ID] = []entur.Call{
		estimatedCall("NSB:ServiceJourney:1", planned, &actual, &actual),
	}

	p := newTestPoller(store, api)
	require.NoError(t, p.RunTick(context.Background(), planned.Add(10*time.Minute)))

	dep := store.planned[id]
	assert.Equal(t, models.CollectionCollected, dep.CollectionStatus)
	assert.Equal(t, 1, dep.RetryCount)
	require.NotNil(t, dep.LastRetryTime)

	saved, ok := store.actuals[id]
	require.True(t, ok)
	assert.Equal(t, models.StatusOnTime, saved.DepartureStatus)
	require.NotNil(t, saved.DelayMinutes)
	assert.Equal(t, 1, *saved.DelayMinutes)
	assert.True(t, saved.IsRealtime)
}

func TestPollerRespectsCollectionOffset(t *testing.T) {
	route := testRoute(1)
	store := newFakeStore(route)
	api := newFakeAPI()
	planned := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	id := seedPlanned(store, route.ID, "NSB:ServiceJourney:1", planned)

	p := newTestPoller(store, api)

	// 3 minutes past planned: not eligible yet, upstream never queried
	require.NoError(t, p.RunTick(context.Background(), planned.Add(3*time.Minute)))
	assert.Equal(t, models.CollectionPending, store.planned[id].CollectionStatus)
	assert.Zero(t, store.planned[id].RetryCount)
	assert.Zero(t, api.estimatedFetches)

	// 5 minutes past planned: eligible
	require.NoError(t, p.RunTick(context.Background(), planned.Add(5*time.Minute)))
	assert.Equal(t, 1, api.estimatedFetches)
}

func TestPollerMarksUnmatchedAsFailed(t *testing.T) {
	route := testRoute(1)
	store := newFakeStore(route)
	api := newFakeAPI()
	planned := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	id := seedPlanned(store, route.ID, "NSB:ServiceJourney:1", planned)

	api.estimatedCalls[route.ID] = nil // upstream reports nothing

	p := newTestPoller(store, api)
	require.NoError(t, p.RunTick(context.Background(), planned.Add(10*time.Minute)))

	dep := store.planned[id]
	assert.Equal(t, models.CollectionFailed, dep.CollectionStatus)
	assert.Equal(t, 1, dep.RetryCount)
	require.NotNil(t, dep.LastRetryTime)
	assert.Empty(t, store.actuals)

	// Still failed after another empty tick, retried again
	require.NoError(t, p.RunTick(context.Background(), planned.Add(40*time.Minute)))
	assert.Equal(t, models.CollectionFailed, dep.CollectionStatus)
	assert.Equal(t, 2, dep.RetryCount)
}

func TestPollerRemembersExpectedTime(t *testing.T) {
	route := testRoute(1)
	store := newFakeStore(route)
	api := newFakeAPI()
	planned := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	id := seedPlanned(store, route.ID, "NSB:ServiceJourney:1", planned)

	// Upstream expects an on-schedule departure but never confirms it
	expected := planned
	api.estimatedCalls[route.ID] = []entur.Call{
		estimatedCall("NSB:ServiceJourney:1", planned, nil, &expected),
	}

	p := newTestPoller(store, api)
	require.NoError(t, p.RunTick(context.Background(), planned.Add(30*time.Minute)))

	dep := store.planned[id]
	assert.Equal(t, models.CollectionFailed, dep.CollectionStatus)
	require.NotNil(t, dep.LastExpectedTime)
	assert.True(t, dep.LastExpectedTime.Equal(expected))
	assert.Empty(t, store.actuals)
}

func TestPollerSettlesSilentCancellation(t *testing.T) {
	route := testRoute(1)
	store := newFakeStore(route)
	api := newFakeAPI()
	planned := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	id := seedPlanned(store, route.ID, "NSB:ServiceJourney:1", planned)

	// While live: expected time reported once, never confirmed
	expected := planned
	api.estimatedCalls[route.ID] = []entur.Call{
		estimatedCall("NSB:ServiceJourney:1", planned, nil, &expected),
	}

	p := newTestPoller(store, api)
	require.NoError(t, p.RunTick(context.Background(), planned.Add(30*time.Minute)))

	// Past the cutoff, upstream has dropped the journey entirely
	api.estimatedCalls[route.ID] = nil
	require.NoError(t, p.RunTick(context.Background(), planned.Add(2*time.Hour+15*time.Minute)))

	dep := store.planned[id]
	assert.Equal(t, models.CollectionCollected, dep.CollectionStatus)

	saved, ok := store.actuals[id]
	require.True(t, ok)
	assert.Equal(t, models.StatusCancelled, saved.DepartureStatus)
	assert.Equal(t, "expected time reasonable, no confirmation", saved.ClassificationReason)
	assert.Nil(t, saved.ActualDepartureTime)
	assert.Nil(t, saved.DelayMinutes)
}

func TestPollerExpiresDepartureWithoutData(t *testing.T) {
	route := testRoute(1)
	store := newFakeStore(route)
	api := newFakeAPI()
	planned := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	id := seedPlanned(store, route.ID, "NSB:ServiceJourney:1", planned)

	p := newTestPoller(store, api)

	// Polled repeatedly with no data, then past the cutoff
	require.NoError(t, p.RunTick(context.Background(), planned.Add(30*time.Minute)))
	require.NoError(t, p.RunTick(context.Background(), planned.Add(60*time.Minute)))
	require.NoError(t, p.RunTick(context.Background(), planned.Add(2*time.Hour)))

	dep := store.planned[id]
	assert.Equal(t, models.CollectionExpired, dep.CollectionStatus)

	saved, ok := store.actuals[id]
	require.True(t, ok)
	assert.Equal(t, models.StatusUnknown, saved.DepartureStatus)
	assert.Equal(t, "no data within retention window", saved.ClassificationReason)

	// Expired departures are never polled again
	fetches := api.estimatedFetches
	require.NoError(t, p.RunTick(context.Background(), planned.Add(3*time.Hour)))
	assert.Equal(t, fetches, api.estimatedFetches)
}

func TestPollerOverdueDeparturesSkipUpstream(t *testing.T) {
	route := testRoute(1)
	store := newFakeStore(route)
	api := newFakeAPI()
	planned := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	seedPlanned(store, route.ID, "NSB:ServiceJourney:1", planned)

	p := newTestPoller(store, api)

	// First tick happens long after the cutoff: settled locally, no API call
	require.NoError(t, p.RunTick(context.Background(), planned.Add(5*time.Hour)))
	assert.Zero(t, api.estimatedFetches)
}

func TestPollerUpsertsSingleActualDeparture(t *testing.T) {
	route := testRoute(1)
	store := newFakeStore(route)
	api := newFakeAPI()
	planned := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	id := seedPlanned(store, route.ID, "NSB:ServiceJourney:1", planned)

	actual := planned.Add(4 * time.Minute)
	api.estimatedCalls[route.ID] = []entur.Call{
		estimatedCall("NSB:ServiceJourney:1", planned, &actual, &actual),
	}

	p := newTestPoller(store, api)
	require.NoError(t, p.RunTick(context.Background(), planned.Add(10*time.Minute)))
	require.NoError(t, p.RunTick(context.Background(), planned.Add(25*time.Minute)))
	require.NoError(t, p.RunTick(context.Background(), planned.Add(55*time.Minute)))

	// Repeated ticks never produce a second record for the same departure
	assert.Len(t, store.actuals, 1)
	assert.Equal(t, models.StatusDelayed, store.actuals[id].DepartureStatus)
}

func TestPollerTransientUpstreamFailure(t *testing.T) {
	route := testRoute(1)
	store := newFakeStore(route)
	api := newFakeAPI()
	planned := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	id := seedPlanned(store, route.ID, "NSB:ServiceJourney:1", planned)

	api.estimatedErr[route.ID] = errors.New("upstream 503")

	p := newTestPoller(store, api)
	require.NoError(t, p.RunTick(context.Background(), planned.Add(10*time.Minute)))

	// A failed upstream call leaves the departure untouched for next tick
	dep := store.planned[id]
	assert.Equal(t, models.CollectionPending, dep.CollectionStatus)
	assert.Zero(t, dep.RetryCount)
	assert.Nil(t, dep.LastRetryTime)
}

func TestPollerAbortsTickOnPersistenceFailure(t *testing.T) {
	route := testRoute(1)
	store := newFakeStore(route)
	api := newFakeAPI()
	planned := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	seedPlanned(store, route.ID, "NSB:ServiceJourney:1", planned)

	actual := planned.Add(1 * time.Minute)
	api.estimatedCalls[route.ID] = []entur.Call{
		estimatedCall("NSB:ServiceJourney:1", planned, &actual, &actual),
	}
	store.failSaves = true

	p := newTestPoller(store, api)
	assert.Error(t, p.RunTick(context.Background(), planned.Add(10*time.Minute)))
}

func TestPollerNeverStoresPhantomDelay(t *testing.T) {
	route := testRoute(1)
	store := newFakeStore(route)
	api := newFakeAPI()
	planned := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	seedPlanned(store, route.ID, "NSB:ServiceJourney:1", planned)
	seedPlanned(store, route.ID, "NSB:ServiceJourney:2", planned.Add(10*time.Minute))

	expected := planned.Add(5 * time.Minute)
	late := planned.Add(20 * time.Minute)
	api.estimatedCalls[route.ID] = []entur.Call{
		estimatedCall("NSB:ServiceJourney:1", planned, nil, &expected),
		estimatedCall("NSB:ServiceJourney:2", planned.Add(10*time.Minute), &late, &late),
	}

	p := newTestPoller(store, api)
	for _, tick := range []time.Duration{30 * time.Minute, time.Hour, 2*time.Hour + 15*time.Minute, 3 * time.Hour} {
		require.NoError(t, p.RunTick(context.Background(), planned.Add(tick)))
	}

	for id, saved := range store.actuals {
		if saved.ActualDepartureTime == nil && saved.DelayMinutes != nil {
			assert.LessOrEqual(t, *saved.DelayMinutes, 0,
				"departure %d has a delay without a confirmed actual time", id)
		}
	}
}
