// Package aggregator merges events from all of a user's sources into one
// normalized, anonymized feed.
package aggregator

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"calfeed/internal/models"
	"calfeed/internal/provider"
)

const defaultTitle = "Busy"

// Feed is the merged result of one aggregation run. It is read-only once
// produced and safe to share across the per-destination reconciliation
// loops.
type Feed struct {
	Events []models.Event
	// UIDs indexes Events for set-difference against a destination.
	UIDs map[string]struct{}
	// FailedSources counts sources that could not be fetched this run.
	FailedSources int
}

// Aggregator fetches sources in parallel with a bounded fan-out.
type Aggregator struct {
	logger *slog.Logger
	title  string
	fanOut int
}

// New creates an aggregator. title is the anonymized label every event
// carries in place of its real summary; fanOut bounds concurrent source
// fetches.
func New(logger *slog.Logger, title string, fanOut int) *Aggregator {
	if title == "" {
		title = defaultTitle
	}
	if fanOut <= 0 {
		fanOut = 4
	}
	return &Aggregator{logger: logger, title: title, fanOut: fanOut}
}

// Aggregate pulls every source concurrently and merges the results. A
// source that fails is logged and excluded from the merge; its absence is
// reported through Feed.FailedSources, never as an error. Duplicate UIDs
// within one source collapse last-seen-wins; duplicates across sources
// cannot happen because the UID embeds the source ID.
func (a *Aggregator) Aggregate(ctx context.Context, sources []provider.Source) *Feed {
	feed := &Feed{UIDs: make(map[string]struct{})}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.fanOut)

	for _, src := range sources {
		g.Go(func() error {
			events, err := src.FetchEvents(ctx)
			if err != nil {
				a.logger.Warn("source fetch failed, excluding from feed",
					"source", src.ID(), "error", err)
				mu.Lock()
				feed.FailedSources++
				mu.Unlock()
				return nil
			}

			merged := a.normalize(src.ID(), events)
			mu.Lock()
			feed.Events = append(feed.Events, merged...)
			mu.Unlock()
			return nil
		})
	}
	// Fetch failures become counts, never group errors: returning one
	// would cancel the sibling fetches still in flight.
	_ = g.Wait()

	// Deterministic order regardless of which source finished first.
	sort.Slice(feed.Events, func(i, j int) bool {
		if !feed.Events[i].StartTime.Equal(feed.Events[j].StartTime) {
			return feed.Events[i].StartTime.Before(feed.Events[j].StartTime)
		}
		return feed.Events[i].UID < feed.Events[j].UID
	})
	for _, e := range feed.Events {
		feed.UIDs[e.UID] = struct{}{}
	}

	a.logger.Debug("aggregated feed",
		"events", len(feed.Events), "failed_sources", feed.FailedSources)
	return feed
}

// normalize anonymizes one source's events, colors them, and collapses
// duplicate UIDs keeping the last occurrence.
func (a *Aggregator) normalize(sourceID string, events []models.Event) []models.Event {
	color := models.ColorFor(sourceID)

	byUID := make(map[string]int, len(events))
	var out []models.Event
	for _, e := range events {
		e.Title = a.title
		e.Color = color
		if i, seen := byUID[e.UID]; seen {
			out[i] = e
			continue
		}
		byUID[e.UID] = len(out)
		out = append(out, e)
	}
	return out
}
