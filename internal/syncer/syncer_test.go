package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calfeed/internal/aggregator"
	"calfeed/internal/models"
	"calfeed/internal/provider"
)

type fakeAccounts struct {
	mu       sync.Mutex
	accounts []models.Account
	reauthed map[string]bool
}

func (f *fakeAccounts) ListByUser(ctx context.Context, userID string) ([]models.Account, error) {
	var out []models.Account
	for _, a := range f.accounts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAccounts) SetNeedsReauth(ctx context.Context, accountID string, needs bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reauthed == nil {
		f.reauthed = make(map[string]bool)
	}
	f.reauthed[accountID] = needs
	return nil
}

type fakeFactory struct {
	sources      map[string]provider.Source
	destinations map[string]provider.Destination
}

func (f *fakeFactory) Source(account models.Account) (provider.Source, error) {
	src, ok := f.sources[account.ID]
	if !ok {
		return nil, fmt.Errorf("no fake source for %s", account.ID)
	}
	return src, nil
}

func (f *fakeFactory) Destination(account models.Account) (provider.Destination, error) {
	dst, ok := f.destinations[account.ID]
	if !ok {
		return nil, fmt.Errorf("no fake destination for %s", account.ID)
	}
	return dst, nil
}

type fakeSource struct {
	id     string
	events []models.Event
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) FetchEvents(ctx context.Context) ([]models.Event, error) {
	return f.events, nil
}

type fakeDestination struct {
	id string

	mu          sync.Mutex
	events      map[string]models.Event
	addAttempts int
	listErr     error
	addErr      func(attempt int) error
	removeErr   error
}

func newFakeDestination(id string) *fakeDestination {
	return &fakeDestination{id: id, events: make(map[string]models.Event)}
}

func (d *fakeDestination) ID() string { return d.id }

func (d *fakeDestination) ListPushedEventIDs(ctx context.Context) (map[string]struct{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listErr != nil {
		return nil, d.listErr
	}
	uids := make(map[string]struct{}, len(d.events))
	for uid := range d.events {
		uids[uid] = struct{}{}
	}
	return uids, nil
}

func (d *fakeDestination) AddEvent(ctx context.Context, event models.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addAttempts++
	if d.addErr != nil {
		if err := d.addErr(d.addAttempts); err != nil {
			return err
		}
	}
	d.events[event.UID] = event
	return nil
}

func (d *fakeDestination) RemoveEvent(ctx context.Context, uid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removeErr != nil {
		return d.removeErr
	}
	delete(d.events, uid)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
}

func event(sourceID, nativeID string) models.Event {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return models.Event{
		UID:       models.EventUID(sourceID, nativeID),
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		SourceID:  sourceID,
	}
}

func newTestSyncer(accounts *fakeAccounts, factory *fakeFactory) *Syncer {
	agg := aggregator.New(testLogger(), "Busy", 4)
	return New(testLogger(), accounts, factory, agg, fastRetry(), 2)
}

func sourceAccount(id string) models.Account {
	return models.Account{ID: id, UserID: "u1", Role: models.RoleSource, Provider: provider.ProviderICS}
}

func destAccount(id string) models.Account {
	return models.Account{ID: id, UserID: "u1", Role: models.RoleDestination, Provider: provider.ProviderICloud}
}

func TestSyncPushesAndConverges(t *testing.T) {
	src := &fakeSource{id: "src-1", events: []models.Event{event("src-1", "e1"), event("src-1", "e2")}}
	dest := newFakeDestination("dest-1")

	accounts := &fakeAccounts{accounts: []models.Account{sourceAccount("src-1"), destAccount("dest-1")}}
	factory := &fakeFactory{
		sources:      map[string]provider.Source{"src-1": src},
		destinations: map[string]provider.Destination{"dest-1": dest},
	}
	s := newTestSyncer(accounts, factory)

	// First run pushes the whole feed to the empty destination.
	result, err := s.SyncUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncResult{Added: 2}, result)
	assert.Len(t, dest.events, 2)

	// An unchanged feed means an empty diff: the second run is a no-op.
	attempts := dest.addAttempts
	result, err = s.SyncUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncResult{}, result)
	assert.Equal(t, attempts, dest.addAttempts)

	// Dropping e1 from the source removes exactly e1 downstream.
	src.events = src.events[1:]
	result, err = s.SyncUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncResult{Removed: 1}, result)
	require.Len(t, dest.events, 1)
	_, ok := dest.events[models.EventUID("src-1", "e2")]
	assert.True(t, ok)
}

func TestSyncIsolatesFailingDestination(t *testing.T) {
	src := &fakeSource{id: "src-1", events: []models.Event{event("src-1", "e1"), event("src-1", "e2")}}

	healthy1 := newFakeDestination("dest-1")
	healthy2 := newFakeDestination("dest-2")
	broken := newFakeDestination("dest-3")
	broken.addErr = func(int) error {
		return &provider.NetworkError{Err: errors.New("connection refused")}
	}

	accounts := &fakeAccounts{accounts: []models.Account{
		sourceAccount("src-1"),
		destAccount("dest-1"), destAccount("dest-2"), destAccount("dest-3"),
	}}
	factory := &fakeFactory{
		sources: map[string]provider.Source{"src-1": src},
		destinations: map[string]provider.Destination{
			"dest-1": healthy1, "dest-2": healthy2, "dest-3": broken,
		},
	}
	s := newTestSyncer(accounts, factory)

	result, err := s.SyncUser(context.Background(), "u1")
	require.NoError(t, err)

	// The broken destination's pending additions all fail; the other two
	// destinations are unaffected.
	assert.Equal(t, 4, result.Added)
	assert.Equal(t, 2, result.AddFailed)
	assert.Len(t, healthy1.events, 2)
	assert.Len(t, healthy2.events, 2)
	assert.Empty(t, broken.events)
}

func TestAuthErrorShortCircuitsDestination(t *testing.T) {
	src := &fakeSource{id: "src-1", events: []models.Event{
		event("src-1", "e1"), event("src-1", "e2"), event("src-1", "e3"),
	}}
	dest := newFakeDestination("dest-1")
	dest.addErr = func(int) error {
		return &provider.AuthError{Err: errors.New("token revoked")}
	}

	accounts := &fakeAccounts{accounts: []models.Account{sourceAccount("src-1"), destAccount("dest-1")}}
	factory := &fakeFactory{
		sources:      map[string]provider.Source{"src-1": src},
		destinations: map[string]provider.Destination{"dest-1": dest},
	}
	s := newTestSyncer(accounts, factory)

	result, err := s.SyncUser(context.Background(), "u1")
	require.NoError(t, err)

	// Everything pending counts as failed, but only one attempt was made
	// and the account is flagged for reauthentication.
	assert.Equal(t, models.SyncResult{AddFailed: 3}, result)
	assert.Equal(t, 1, dest.addAttempts)
	assert.True(t, accounts.reauthed["dest-1"])
}

func TestNetworkErrorIsRetriedThenSucceeds(t *testing.T) {
	src := &fakeSource{id: "src-1", events: []models.Event{event("src-1", "e1")}}
	dest := newFakeDestination("dest-1")
	dest.addErr = func(attempt int) error {
		if attempt < 3 {
			return &provider.NetworkError{Err: errors.New("timeout")}
		}
		return nil
	}

	accounts := &fakeAccounts{accounts: []models.Account{sourceAccount("src-1"), destAccount("dest-1")}}
	factory := &fakeFactory{
		sources:      map[string]provider.Source{"src-1": src},
		destinations: map[string]provider.Destination{"dest-1": dest},
	}
	s := newTestSyncer(accounts, factory)

	result, err := s.SyncUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncResult{Added: 1}, result)
	assert.Equal(t, 3, dest.addAttempts)
}

func TestProtocolErrorIsNotRetried(t *testing.T) {
	src := &fakeSource{id: "src-1", events: []models.Event{event("src-1", "e1")}}
	dest := newFakeDestination("dest-1")
	dest.addErr = func(int) error {
		return &provider.ProtocolError{Err: errors.New("unexpected payload")}
	}

	accounts := &fakeAccounts{accounts: []models.Account{sourceAccount("src-1"), destAccount("dest-1")}}
	factory := &fakeFactory{
		sources:      map[string]provider.Source{"src-1": src},
		destinations: map[string]provider.Destination{"dest-1": dest},
	}
	s := newTestSyncer(accounts, factory)

	result, err := s.SyncUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncResult{AddFailed: 1}, result)
	assert.Equal(t, 1, dest.addAttempts)
	assert.False(t, accounts.reauthed["dest-1"])
}

func TestListFailureSkipsDestination(t *testing.T) {
	src := &fakeSource{id: "src-1", events: []models.Event{event("src-1", "e1")}}
	dest := newFakeDestination("dest-1")
	dest.listErr = &provider.AuthError{Err: errors.New("password changed")}

	accounts := &fakeAccounts{accounts: []models.Account{sourceAccount("src-1"), destAccount("dest-1")}}
	factory := &fakeFactory{
		sources:      map[string]provider.Source{"src-1": src},
		destinations: map[string]provider.Destination{"dest-1": dest},
	}
	s := newTestSyncer(accounts, factory)

	result, err := s.SyncUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncResult{}, result)
	assert.Equal(t, 0, dest.addAttempts)
	assert.True(t, accounts.reauthed["dest-1"])
}

func TestStalePushedEventIsRemoved(t *testing.T) {
	// A previously pushed event that is no longer in the feed is cleaned
	// up alongside the new addition.
	src := &fakeSource{id: "src-1", events: []models.Event{event("src-1", "e1")}}
	dest := newFakeDestination("dest-1")
	stale := event("src-1", "gone")
	dest.events[stale.UID] = stale

	accounts := &fakeAccounts{accounts: []models.Account{sourceAccount("src-1"), destAccount("dest-1")}}
	factory := &fakeFactory{
		sources:      map[string]provider.Source{"src-1": src},
		destinations: map[string]provider.Destination{"dest-1": dest},
	}
	s := newTestSyncer(accounts, factory)

	result, err := s.SyncUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncResult{Added: 1, Removed: 1}, result)
	_, ok := dest.events[stale.UID]
	assert.False(t, ok)
}
