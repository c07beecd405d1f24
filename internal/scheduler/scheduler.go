// Package scheduler triggers periodic sync sweeps over every user with a
// linked account.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// UserLister enumerates users eligible for a scheduled sync.
type UserLister interface {
	ListUserIDs(ctx context.Context) ([]string, error)
}

// Trigger spawns a detached sync job for one user.
type Trigger func(userID string) bool

type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	users   UserLister
	trigger Trigger
	spec    string
}

// New creates a scheduler that fires on the given cron spec.
func New(logger *slog.Logger, users UserLister, trigger Trigger, spec string) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		logger:  logger,
		users:   users,
		trigger: trigger,
		spec:    spec,
	}
}

// Start registers the sweep and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.sweep); err != nil {
		return fmt.Errorf("add sync sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "spec", s.spec)
	return nil
}

// Stop halts the cron loop and waits briefly for a running sweep.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
}

// sweep spawns one sync job per user. Jobs for users whose previous sync is
// still running are dropped by the runner's per-key exclusion.
func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	userIDs, err := s.users.ListUserIDs(ctx)
	if err != nil {
		s.logger.Error("failed to list users for scheduled sync", "error", err)
		return
	}

	queued := 0
	for _, userID := range userIDs {
		if s.trigger(userID) {
			queued++
		}
	}
	s.logger.Info("scheduled sync sweep", "users", len(userIDs), "queued", queued)
}
