package aggregator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calfeed/internal/models"
	"calfeed/internal/provider"
)

type fakeSource struct {
	id     string
	events []models.Event
	err    error
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) FetchEvents(ctx context.Context) ([]models.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func event(sourceID, nativeID string, start time.Time) models.Event {
	return models.Event{
		UID:       models.EventUID(sourceID, nativeID),
		Title:     "Standup with the team",
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		SourceID:  sourceID,
	}
}

func TestAggregateMergesAndAnonymizes(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := New(testLogger(), "Busy", 4)

	feed := a.Aggregate(context.Background(), []provider.Source{
		&fakeSource{id: "src-a", events: []models.Event{event("src-a", "1", now.Add(time.Hour))}},
		&fakeSource{id: "src-b", events: []models.Event{event("src-b", "1", now)}},
	})

	require.Len(t, feed.Events, 2)
	assert.Equal(t, 0, feed.FailedSources)

	// Sorted by start time, anonymized, colored per source.
	assert.Equal(t, "src-b:1", feed.Events[0].UID)
	assert.Equal(t, "src-a:1", feed.Events[1].UID)
	for _, e := range feed.Events {
		assert.Equal(t, "Busy", e.Title)
		assert.Equal(t, models.ColorFor(e.SourceID), e.Color)
		assert.Contains(t, feed.UIDs, e.UID)
	}
}

func TestAggregateCollapsesDuplicateUIDsLastWins(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	first := event("src-a", "1", now)
	second := event("src-a", "1", now.Add(2*time.Hour))

	a := New(testLogger(), "Busy", 4)
	feed := a.Aggregate(context.Background(), []provider.Source{
		&fakeSource{id: "src-a", events: []models.Event{first, second}},
	})

	require.Len(t, feed.Events, 1)
	assert.Equal(t, second.StartTime, feed.Events[0].StartTime)
}

func TestAggregateExcludesFailingSource(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := New(testLogger(), "Busy", 4)

	feed := a.Aggregate(context.Background(), []provider.Source{
		&fakeSource{id: "src-a", events: []models.Event{event("src-a", "1", now)}},
		&fakeSource{id: "src-broken", err: &provider.NetworkError{Err: errors.New("connection reset")}},
		&fakeSource{id: "src-expired", err: &provider.AuthError{Err: errors.New("token revoked")}},
	})

	require.Len(t, feed.Events, 1)
	assert.Equal(t, "src-a:1", feed.Events[0].UID)
	assert.Equal(t, 2, feed.FailedSources)
}

func TestAggregateEmptySources(t *testing.T) {
	a := New(testLogger(), "", 0)
	feed := a.Aggregate(context.Background(), nil)
	assert.Empty(t, feed.Events)
	assert.Empty(t, feed.UIDs)
	assert.Equal(t, 0, feed.FailedSources)
}

func TestAggregateCustomTitle(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := New(testLogger(), "Blocked", 1)

	feed := a.Aggregate(context.Background(), []provider.Source{
		&fakeSource{id: "src-a", events: []models.Event{event("src-a", "1", now)}},
	})
	require.Len(t, feed.Events, 1)
	assert.Equal(t, "Blocked", feed.Events[0].Title)
}
