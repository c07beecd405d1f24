// Package syncer reconciles the aggregated feed against each of a user's
// destination calendars, pushing only the minimal add/remove set.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"calfeed/internal/aggregator"
	"calfeed/internal/models"
	"calfeed/internal/provider"
)

// AccountStore is the slice of the account table the syncer needs.
type AccountStore interface {
	ListByUser(ctx context.Context, userID string) ([]models.Account, error)
	SetNeedsReauth(ctx context.Context, accountID string, needs bool) error
}

// ProviderFactory builds providers from linked accounts. Satisfied by
// provider.Factory; fakes stand in for it in tests.
type ProviderFactory interface {
	Source(account models.Account) (provider.Source, error)
	Destination(account models.Account) (provider.Destination, error)
}

// RetryConfig bounds the retry behavior for transient failures.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Syncer orchestrates one user's synchronization run.
type Syncer struct {
	logger     *slog.Logger
	accounts   AccountStore
	factory    ProviderFactory
	aggregator *aggregator.Aggregator
	retry      RetryConfig
	destFanOut int
}

// New creates a syncer. destFanOut bounds how many destinations reconcile
// concurrently for one user.
func New(logger *slog.Logger, accounts AccountStore, factory ProviderFactory, agg *aggregator.Aggregator, retry RetryConfig, destFanOut int) *Syncer {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 3
	}
	if retry.InitialBackoff <= 0 {
		retry.InitialBackoff = time.Second
	}
	if retry.MaxBackoff <= 0 {
		retry.MaxBackoff = 30 * time.Second
	}
	if destFanOut <= 0 {
		destFanOut = 4
	}
	return &Syncer{
		logger:     logger,
		accounts:   accounts,
		factory:    factory,
		aggregator: agg,
		retry:      retry,
		destFanOut: destFanOut,
	}
}

// SyncUser aggregates the user's sources once and reconciles the feed
// against every destination. Destinations are independent: one broken
// account never blocks the others, and per-operation failures become
// tallies, not errors. The returned error covers only the account lookup;
// everything past that point is reported through the SyncResult.
func (s *Syncer) SyncUser(ctx context.Context, userID string) (models.SyncResult, error) {
	logger := s.logger.With("user", userID)
	start := time.Now()

	accounts, err := s.accounts.ListByUser(ctx, userID)
	if err != nil {
		return models.SyncResult{}, fmt.Errorf("list accounts: %w", err)
	}

	var sources []provider.Source
	var destinations []destination
	for _, account := range accounts {
		switch account.Role {
		case models.RoleSource:
			src, err := s.factory.Source(account)
			if err != nil {
				logger.Error("skipping unusable source", "account", account.ID, "error", err)
				continue
			}
			sources = append(sources, src)
		case models.RoleDestination:
			dst, err := s.factory.Destination(account)
			if err != nil {
				logger.Error("skipping unusable destination", "account", account.ID, "error", err)
				continue
			}
			destinations = append(destinations, destination{account: account, provider: dst})
		}
	}

	// The feed is computed once and shared read-only across destinations.
	feed := s.aggregator.Aggregate(ctx, sources)

	var (
		mu     sync.Mutex
		result models.SyncResult
		wg     sync.WaitGroup
	)
	sem := make(chan struct{}, s.destFanOut)
	for _, dest := range destinations {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r := s.reconcile(ctx, logger, dest, feed)
			mu.Lock()
			result.Merge(r)
			mu.Unlock()
		}()
	}
	wg.Wait()

	logger.Info("sync completed",
		"eventsAdded", result.Added,
		"eventsAddFailed", result.AddFailed,
		"eventsRemoved", result.Removed,
		"eventsRemoveFailed", result.RemoveFailed,
		"failedSources", feed.FailedSources,
		"duration", time.Since(start),
	)
	return result, nil
}

type destination struct {
	account  models.Account
	provider provider.Destination
}

// reconcile diffs the feed against one destination and applies the
// resulting operations sequentially. Every operation stands alone: the
// composite UID makes adds and removes idempotent, so a partial failure
// simply leaves work for the next run to recompute. An AuthError
// short-circuits whatever remains and flags the account for
// reauthentication.
func (s *Syncer) reconcile(ctx context.Context, logger *slog.Logger, dest destination, feed *aggregator.Feed) models.SyncResult {
	logger = logger.With("destination", dest.account.ID)
	var result models.SyncResult

	var pushed map[string]struct{}
	err := s.withRetry(ctx, func() error {
		var listErr error
		pushed, listErr = dest.provider.ListPushedEventIDs(ctx)
		return listErr
	})
	if err != nil {
		if provider.IsAuth(err) {
			s.flagReauth(ctx, logger, dest.account.ID)
		}
		logger.Warn("failed to list pushed events, skipping destination", "error", err)
		return result
	}

	var toAdd []models.Event
	for _, e := range feed.Events {
		if _, ok := pushed[e.UID]; !ok {
			toAdd = append(toAdd, e)
		}
	}
	var toRemove []string
	for uid := range pushed {
		if _, ok := feed.UIDs[uid]; !ok {
			toRemove = append(toRemove, uid)
		}
	}
	sort.Strings(toRemove)

	logger.Debug("computed diff", "to_add", len(toAdd), "to_remove", len(toRemove))

	halted := false
	for _, event := range toAdd {
		if halted {
			result.AddFailed++
			continue
		}
		err := s.withRetry(ctx, func() error {
			return dest.provider.AddEvent(ctx, event)
		})
		if err != nil {
			result.AddFailed++
			logger.Warn("failed to add event", "uid", event.UID, "error", err)
			if provider.IsAuth(err) {
				halted = true
				s.flagReauth(ctx, logger, dest.account.ID)
			}
			continue
		}
		result.Added++
	}

	for _, uid := range toRemove {
		if halted {
			result.RemoveFailed++
			continue
		}
		err := s.withRetry(ctx, func() error {
			return dest.provider.RemoveEvent(ctx, uid)
		})
		if err != nil {
			result.RemoveFailed++
			logger.Warn("failed to remove event", "uid", uid, "error", err)
			if provider.IsAuth(err) {
				halted = true
				s.flagReauth(ctx, logger, dest.account.ID)
			}
			continue
		}
		result.Removed++
	}

	return result
}

// withRetry runs op, retrying with exponential backoff while the failure
// is a NetworkError. Auth and protocol failures return immediately;
// retrying them would replay the same answer.
func (s *Syncer) withRetry(ctx context.Context, op func() error) error {
	backoff := s.retry.InitialBackoff
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil || !provider.IsNetwork(err) || attempt >= s.retry.MaxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.retry.MaxBackoff {
			backoff = s.retry.MaxBackoff
		}
	}
}

func (s *Syncer) flagReauth(ctx context.Context, logger *slog.Logger, accountID string) {
	if err := s.accounts.SetNeedsReauth(ctx, accountID, true); err != nil {
		logger.Error("failed to flag account for reauthentication", "error", err)
	}
}
