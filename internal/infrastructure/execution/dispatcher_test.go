package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duragraph/flowengine/internal/domain/worker"
	domainerrors "github.com/duragraph/flowengine/internal/pkg/errors"
)

type resumeRecorder struct {
	mu      sync.Mutex
	done    chan struct{}
	output  interface{}
	errText string
}

func newResumeRecorder() *resumeRecorder {
	return &resumeRecorder{done: make(chan struct{})}
}

func (r *resumeRecorder) resume(_ context.Context, _, _ string, output interface{}, errText string) {
	r.mu.Lock()
	r.output = output
	r.errText = errText
	r.mu.Unlock()
	close(r.done)
}

func (r *resumeRecorder) wait(t *testing.T) (interface{}, string) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("resume not called")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.output, r.errText
}

func TestDispatch_UnregisteredKind_ReturnsDispatchError(t *testing.T) {
	d := NewDispatcher(worker.NewRegistry(), Options{})
	err := d.Dispatch(context.Background(), "r", "n", "nope", nil)
	require.Error(t, err)
	assert.True(t, domainerrors.Is(err, domainerrors.ErrWorkerDispatch))
}

func TestDispatch_SyncWorker_ResumesWithOutput(t *testing.T) {
	registry := worker.NewRegistry()
	registry.Register(&worker.Kind{
		Name: "echo", Mode: worker.DispatchSync, Sync: EchoWorker{}, HasCredentials: true,
	})
	d := NewDispatcher(registry, Options{})
	rec := newResumeRecorder()
	d.SetResume(rec.resume)

	input := map[string]interface{}{"prompt": "hi"}
	require.NoError(t, d.Dispatch(context.Background(), "r", "n", "echo", input))

	output, errText := rec.wait(t)
	assert.Empty(t, errText)
	assert.Equal(t, map[string]interface{}{"prompt": "hi", "echoed": "hi"}, output)
}

func TestDispatch_MissingCredentials_MockFallback(t *testing.T) {
	registry := worker.NewRegistry()
	registry.Register(&worker.Kind{
		Name:              "external",
		Mode:              worker.DispatchSync,
		HasCredentials:    false,
		AllowMockFallback: true,
		MockOutput: func(input interface{}) interface{} {
			return map[string]interface{}{"synthetic": true}
		},
	})
	d := NewDispatcher(registry, Options{})
	rec := newResumeRecorder()
	d.SetResume(rec.resume)

	require.NoError(t, d.Dispatch(context.Background(), "r", "n", "external", nil))
	output, errText := rec.wait(t)
	assert.Empty(t, errText)
	assert.Equal(t, map[string]interface{}{"synthetic": true}, output)
}

func TestDispatch_MissingCredentials_NoFallback_Refuses(t *testing.T) {
	registry := worker.NewRegistry()
	registry.Register(&worker.Kind{
		Name: "external", Mode: worker.DispatchSync, HasCredentials: false,
	})
	d := NewDispatcher(registry, Options{})

	err := d.Dispatch(context.Background(), "r", "n", "external", nil)
	require.Error(t, err)
	assert.True(t, domainerrors.Is(err, domainerrors.ErrWorkerDispatch))
}

func TestPendingDispatches_ExpiredRemovesEntries(t *testing.T) {
	pending := NewPendingDispatches()
	now := time.Now()
	pending.Track("r1", "n1", "slow", now.Add(-time.Second))
	pending.Track("r2", "n2", "slow", now.Add(time.Hour))

	expired := pending.Expired(now)
	require.Len(t, expired, 1)
	assert.Equal(t, "r1", expired[0].RunID)

	// A second sweep finds nothing: expiry consumes the entry.
	assert.Empty(t, pending.Expired(now))

	pending.Clear("r2", "n2")
	assert.Empty(t, pending.Expired(now.Add(2*time.Hour)))
}
