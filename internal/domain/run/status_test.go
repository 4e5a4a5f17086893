package run_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/duragraph/flowengine/internal/domain/run"
)

// Every transition is either in the permitted set or a same-state no-op.
func TestStatusFSM_ClosureProperty(t *testing.T) {
	all := []run.Status{run.StatusPending, run.StatusRunning, run.StatusWaitingForUser, run.StatusCompleted, run.StatusFailed}
	permitted := map[[2]run.Status]bool{
		{run.StatusPending, run.StatusRunning}:        true,
		{run.StatusRunning, run.StatusCompleted}:      true,
		{run.StatusRunning, run.StatusFailed}:         true,
		{run.StatusRunning, run.StatusWaitingForUser}: true,
		{run.StatusWaitingForUser, run.StatusCompleted}: true,
		{run.StatusFailed, run.StatusPending}:         true,
	}

	for _, from := range all {
		for _, to := range all {
			want := from == to || permitted[[2]run.Status{from, to}]
			assert.Equal(t, want, from.CanTransitionTo(to), "from=%s to=%s", from, to)
		}
	}
}

func TestStatusFSM_RejectsArbitraryTransition(t *testing.T) {
	assert.False(t, run.StatusCompleted.CanTransitionTo(run.StatusRunning))
	assert.False(t, run.StatusPending.CanTransitionTo(run.StatusCompleted))
	assert.False(t, run.StatusWaitingForUser.CanTransitionTo(run.StatusFailed))
}

func TestExpectedFromFor_MatchesSpecTable(t *testing.T) {
	assert.Equal(t, []run.Status{run.StatusPending}, run.ExpectedFromFor(run.TriggerDispatch))
	assert.Equal(t, []run.Status{run.StatusRunning}, run.ExpectedFromFor(run.TriggerWorkerReturn))
	assert.Equal(t, []run.Status{run.StatusWaitingForUser, run.StatusRunning}, run.ExpectedFromFor(run.TriggerUXComplete))
	assert.Equal(t, []run.Status{run.StatusFailed}, run.ExpectedFromFor(run.TriggerRetry))
	assert.Equal(t, []run.Status{run.StatusCompleted, run.StatusFailed}, run.ExpectedFromFor(run.TriggerTerminalReplay))
}
