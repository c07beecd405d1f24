package provider

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calfeed/internal/models"
)

const sampleFeed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:evt-1
DTSTAMP:20260301T080000Z
DTSTART:20260301T090000Z
DTEND:20260301T100000Z
SUMMARY:Dentist
END:VEVENT
BEGIN:VEVENT
UID:evt-2
DTSTAMP:20260301T080000Z
DTSTART:20260302T140000Z
DTEND:20260302T150000Z
SUMMARY:Team offsite
END:VEVENT
END:VCALENDAR
`

// crlf normalizes a test fixture to the wire format ICS requires.
func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

type memorySnapshots struct {
	mu    sync.Mutex
	icals []string
}

func (m *memorySnapshots) InsertSnapshot(ctx context.Context, ical string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.icals = append(m.icals, ical)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func icsAccount(feedURL string) models.Account {
	return models.Account{
		ID:       "src-ics",
		UserID:   "u1",
		Role:     models.RoleSource,
		Provider: ProviderICS,
		Settings: models.Settings{FeedURL: feedURL},
	}
}

func newTestICSSource(feedURL string, snapshots SnapshotSink) *icsSource {
	client := &http.Client{Timeout: 5 * time.Second}
	return newICSSource(testLogger(), client, snapshots, icsAccount(feedURL))
}

func TestICSFetchParsesFeedAndRecordsSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		io.WriteString(w, crlf(sampleFeed))
	}))
	defer server.Close()

	snapshots := &memorySnapshots{}
	src := newTestICSSource(server.URL, snapshots)

	events, err := src.FetchEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "src-ics:evt-1", events[0].UID)
	assert.Equal(t, "src-ics", events[0].SourceID)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), events[0].StartTime.UTC())
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), events[0].EndTime.UTC())
	assert.Equal(t, "src-ics:evt-2", events[1].UID)

	require.Len(t, snapshots.icals, 1)
	assert.Equal(t, crlf(sampleFeed), snapshots.icals[0])
}

func TestICSFetchUnauthorizedIsAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	src := newTestICSSource(server.URL, nil)
	_, err := src.FetchEvents(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuth(err))
}

func TestICSFetchServerErrorIsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	src := newTestICSSource(server.URL, nil)
	_, err := src.FetchEvents(context.Background())
	require.Error(t, err)
	assert.True(t, IsNetwork(err))
}

func TestICSFetchConnectionFailureIsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing is listening anymore

	src := newTestICSSource(server.URL, nil)
	_, err := src.FetchEvents(context.Background())
	require.Error(t, err)
	assert.True(t, IsNetwork(err))
}

func TestICSFetchMalformedBodyIsProtocolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "this is not a calendar")
	}))
	defer server.Close()

	src := newTestICSSource(server.URL, nil)
	_, err := src.FetchEvents(context.Background())
	require.Error(t, err)
	assert.True(t, IsProtocol(err))
}

func TestICSFetchSnapshotFailureDoesNotFailPull(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, crlf(sampleFeed))
	}))
	defer server.Close()

	src := newTestICSSource(server.URL, failingSnapshots{})
	events, err := src.FetchEvents(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

type failingSnapshots struct{}

func (failingSnapshots) InsertSnapshot(ctx context.Context, ical string) error {
	return context.DeadlineExceeded
}

func TestICSEventWithoutUIDIsSkipped(t *testing.T) {
	const feed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
DTSTAMP:20260301T080000Z
DTSTART:20260301T090000Z
DTEND:20260301T100000Z
SUMMARY:No UID here
END:VEVENT
END:VCALENDAR
`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, crlf(feed))
	}))
	defer server.Close()

	src := newTestICSSource(server.URL, nil)
	events, err := src.FetchEvents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
}
