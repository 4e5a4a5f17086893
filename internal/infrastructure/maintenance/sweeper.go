// Package maintenance runs the engine's scheduled background jobs: the
// async worker timeout sweep and version retention pruning.
package maintenance

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/duragraph/flowengine/internal/infrastructure/execution"
)

// TimeoutFailer fails a node whose async callback deadline passed.
type TimeoutFailer interface {
	FailTimedOut(ctx context.Context, runID, nodeID, workerKind string) error
}

// VersionPruner deletes versions beyond a flow's retention budget.
type VersionPruner interface {
	PruneVersions(ctx context.Context, flowID string, keep int) (int64, error)
	ListFlowIDs(ctx context.Context) ([]string, error)
}

// Sweeper schedules the background jobs on a cron runner.
type Sweeper struct {
	cron    *cron.Cron
	pending *execution.PendingDispatches
	runs    TimeoutFailer
	pruner  VersionPruner

	maxVersionsPerFlow int
}

// NewSweeper constructs a Sweeper. pruner may be nil when retention is
// unbounded.
func NewSweeper(pending *execution.PendingDispatches, runs TimeoutFailer, pruner VersionPruner, maxVersionsPerFlow int) *Sweeper {
	return &Sweeper{
		cron:               cron.New(),
		pending:            pending,
		runs:               runs,
		pruner:             pruner,
		maxVersionsPerFlow: maxVersionsPerFlow,
	}
}

// Start registers the jobs and starts the cron runner: the timeout sweep
// every 10 seconds, retention pruning
// hourly.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc("@every 10s", s.sweepTimeouts); err != nil {
		return err
	}
	if s.pruner != nil && s.maxVersionsPerFlow > 0 {
		if _, err := s.cron.AddFunc("@hourly", s.pruneVersions); err != nil {
			return err
		}
	}
	s.cron.Start()
	return nil
}

// Stop stops the cron runner and waits for running jobs.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) sweepTimeouts() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, timeout := range s.pending.Expired(time.Now()) {
		if err := s.runs.FailTimedOut(ctx, timeout.RunID, timeout.NodeID, timeout.WorkerKind); err != nil {
			log.Printf("timeout sweep: failed to time out node %s/%s: %v", timeout.RunID, timeout.NodeID, err)
		}
	}
}

func (s *Sweeper) pruneVersions() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	flowIDs, err := s.pruner.ListFlowIDs(ctx)
	if err != nil {
		log.Printf("version pruning: failed to list flows: %v", err)
		return
	}
	for _, flowID := range flowIDs {
		pruned, err := s.pruner.PruneVersions(ctx, flowID, s.maxVersionsPerFlow)
		if err != nil {
			log.Printf("version pruning: flow %s: %v", flowID, err)
			continue
		}
		if pruned > 0 {
			log.Printf("version pruning: flow %s: removed %d versions", flowID, pruned)
		}
	}
}
