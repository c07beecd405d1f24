package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"calfeed/internal/models"
)

// icsSource pulls a static ICS feed over HTTP. It is read-only: ICS feeds
// can never be destinations.
type icsSource struct {
	logger    *slog.Logger
	client    *http.Client
	snapshots SnapshotSink
	account   models.Account
}

func newICSSource(logger *slog.Logger, client *http.Client, snapshots SnapshotSink, account models.Account) *icsSource {
	return &icsSource{
		logger:    logger.With("provider", ProviderICS, "account", account.ID),
		client:    client,
		snapshots: snapshots,
		account:   account,
	}
}

func (s *icsSource) ID() string { return s.account.ID }

// FetchEvents downloads the feed, records the raw text as a snapshot, and
// decodes every VEVENT into the unified model.
func (s *icsSource) FetchEvents(ctx context.Context) ([]models.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.account.Settings.FeedURL, nil)
	if err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("build feed request: %w", err)}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Err: fmt.Errorf("feed returned status %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		return nil, &NetworkError{Err: fmt.Errorf("feed returned status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return nil, &ProtocolError{Err: fmt.Errorf("feed returned status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: fmt.Errorf("read feed body: %w", err)}
	}

	if s.snapshots != nil {
		if err := s.snapshots.InsertSnapshot(ctx, string(body)); err != nil {
			// A failed snapshot write must not fail the pull.
			s.logger.Warn("failed to record feed snapshot", "error", err)
		}
	}

	cal, err := ical.NewDecoder(strings.NewReader(string(body))).Decode()
	if err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("decode ics feed: %w", err)}
	}

	var events []models.Event
	for _, ve := range cal.Events() {
		event, ok := s.toEvent(ve)
		if !ok {
			continue
		}
		events = append(events, event)
	}

	s.logger.Debug("fetched ics feed", "events", len(events))
	return events, nil
}

// toEvent converts one VEVENT. Events without a UID or a parseable time
// span are skipped rather than failing the whole feed.
func (s *icsSource) toEvent(ve ical.Event) (models.Event, bool) {
	uid, err := ve.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return models.Event{}, false
	}

	start, err := ve.DateTimeStart(time.UTC)
	if err != nil {
		return models.Event{}, false
	}
	end, err := ve.DateTimeEnd(time.UTC)
	if err != nil {
		return models.Event{}, false
	}

	return models.Event{
		UID:       models.EventUID(s.account.ID, uid),
		StartTime: start,
		EndTime:   end,
		SourceID:  s.account.ID,
	}, true
}
