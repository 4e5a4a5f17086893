// Package execution implements worker dispatch and callback plumbing:
// sync workers are invoked in-process, async workers are handed a callback
// URL and report back later, and kinds missing credentials fall back to a
// schema-conforming mock when the deployment explicitly allows it.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/duragraph/flowengine/internal/domain/worker"
	domainerrors "github.com/duragraph/flowengine/internal/pkg/errors"
)

// ResumeFunc resumes the edge walk after a worker finishes: errText == ""
// means success with output, anything else fails the node. The concrete
// function is the run service's callback path, the same one the HTTP
// callback endpoint lands on.
type ResumeFunc func(ctx context.Context, runID, nodeID string, output interface{}, errText string)

// Dispatcher implements engine.Dispatcher over the worker-kind registry.
type Dispatcher struct {
	registry       *worker.Registry
	callbackBase   string
	defaultTimeout time.Duration
	timeoutByKind  map[string]time.Duration
	resume         ResumeFunc
	pending        *PendingDispatches
}

// Options configures a Dispatcher.
type Options struct {
	// CallbackBase is the externally reachable prefix for async callbacks,
	// e.g. "https://engine.example.com"; the dispatcher appends
	// /callback/{runId}/{nodeId}.
	CallbackBase string

	// DefaultTimeout bounds dispatch-to-callback wall clock when a kind has
	// no specific timeout configured.
	DefaultTimeout time.Duration

	// TimeoutByKind overrides the default per worker kind.
	TimeoutByKind map[string]time.Duration
}

// NewDispatcher constructs a Dispatcher. SetResume must be called before the
// first Dispatch; construction and wiring are split because the resume path
// (run service) itself depends on the engine that depends on this Dispatcher.
func NewDispatcher(registry *worker.Registry, opts Options) *Dispatcher {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	return &Dispatcher{
		registry:       registry,
		callbackBase:   opts.CallbackBase,
		defaultTimeout: opts.DefaultTimeout,
		timeoutByKind:  opts.TimeoutByKind,
		pending:        NewPendingDispatches(),
	}
}

// SetResume wires the resume path. Called once during startup.
func (d *Dispatcher) SetResume(resume ResumeFunc) { d.resume = resume }

// Pending exposes the in-flight async dispatch table for the timeout sweep.
func (d *Dispatcher) Pending() *PendingDispatches { return d.pending }

// Dispatch invokes workerKind for (runID, nodeID). Sync kinds run on a fresh
// goroutine and resume the walk when done; async kinds are POSTed the input
// plus a callback URL and resume when the callback arrives. The firing path
// never blocks on worker work.
func (d *Dispatcher) Dispatch(ctx context.Context, runID, nodeID, workerKind string, input interface{}) error {
	kind, ok := d.registry.Lookup(workerKind)
	if !ok {
		return domainerrors.WorkerDispatch(workerKind, fmt.Errorf("worker kind not registered"))
	}

	if !kind.HasCredentials {
		if !kind.AllowMockFallback {
			return domainerrors.WorkerDispatch(workerKind, fmt.Errorf("credentials missing and mock fallback disabled"))
		}
		go d.invokeMock(runID, nodeID, kind, input)
		return nil
	}

	switch kind.Mode {
	case worker.DispatchSync:
		go d.invokeSync(runID, nodeID, kind, input)
		return nil
	case worker.DispatchAsync:
		return d.invokeAsync(ctx, runID, nodeID, kind, input)
	default:
		return domainerrors.WorkerDispatch(workerKind, fmt.Errorf("unknown dispatch mode %q", kind.Mode))
	}
}

func (d *Dispatcher) timeoutFor(kind string) time.Duration {
	if t, ok := d.timeoutByKind[kind]; ok && t > 0 {
		return t
	}
	return d.defaultTimeout
}

func (d *Dispatcher) invokeSync(runID, nodeID string, kind *worker.Kind, input interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeoutFor(kind.Name))
	defer cancel()

	output, err := kind.Sync.Invoke(ctx, worker.Invocation{
		RunID: runID, NodeID: nodeID, WorkerKind: kind.Name, Input: input,
	})
	if ctx.Err() == context.DeadlineExceeded {
		d.resume(context.Background(), runID, nodeID, nil, domainerrors.WorkerTimeout(nodeID, kind.Name).Error())
		return
	}
	if err != nil {
		d.resume(context.Background(), runID, nodeID, nil, err.Error())
		return
	}
	d.resume(context.Background(), runID, nodeID, output, "")
}

func (d *Dispatcher) invokeMock(runID, nodeID string, kind *worker.Kind, input interface{}) {
	var output interface{}
	if kind.MockOutput != nil {
		output = kind.MockOutput(input)
	} else {
		output = map[string]interface{}{"mock": true}
	}
	d.resume(context.Background(), runID, nodeID, output, "")
}

func (d *Dispatcher) invokeAsync(ctx context.Context, runID, nodeID string, kind *worker.Kind, input interface{}) error {
	inv := worker.Invocation{
		RunID:       runID,
		NodeID:      nodeID,
		WorkerKind:  kind.Name,
		Input:       input,
		CallbackURL: fmt.Sprintf("%s/callback/%s/%s", d.callbackBase, runID, nodeID),
	}
	if err := kind.Async.Post(ctx, inv); err != nil {
		return domainerrors.WorkerDispatch(kind.Name, err)
	}
	d.pending.Track(runID, nodeID, kind.Name, time.Now().Add(d.timeoutFor(kind.Name)))
	return nil
}

// OnCallback clears the pending-dispatch entry for a received callback; the
// run service then drives the actual state transition.
func (d *Dispatcher) OnCallback(runID, nodeID string) {
	d.pending.Clear(runID, nodeID)
}

// PendingDispatches tracks in-flight async dispatches from this process so
// the timeout sweep can fail nodes whose callback never arrived. It is
// admission-control state like the rate limiter tables, not authoritative
// execution state: the authoritative node status always lives in the Store.
type PendingDispatches struct {
	mu      sync.Mutex
	entries map[string]pendingEntry
}

type pendingEntry struct {
	runID      string
	nodeID     string
	workerKind string
	deadline   time.Time
}

// NewPendingDispatches creates an empty table.
func NewPendingDispatches() *PendingDispatches {
	return &PendingDispatches{entries: make(map[string]pendingEntry)}
}

func pendingKey(runID, nodeID string) string { return runID + "/" + nodeID }

// Track records an in-flight dispatch and its deadline.
func (p *PendingDispatches) Track(runID, nodeID, workerKind string, deadline time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[pendingKey(runID, nodeID)] = pendingEntry{
		runID: runID, nodeID: nodeID, workerKind: workerKind, deadline: deadline,
	}
}

// Clear removes a dispatch once its callback arrives.
func (p *PendingDispatches) Clear(runID, nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, pendingKey(runID, nodeID))
}

// Expired removes and returns every entry whose deadline has passed.
func (p *PendingDispatches) Expired(now time.Time) []Timeout {
	p.mu.Lock()
	defer p.mu.Unlock()
	var expired []Timeout
	for key, entry := range p.entries {
		if now.After(entry.deadline) {
			expired = append(expired, Timeout{
				RunID: entry.runID, NodeID: entry.nodeID, WorkerKind: entry.workerKind,
			})
			delete(p.entries, key)
		}
	}
	return expired
}

// Timeout identifies one async dispatch whose callback deadline passed.
type Timeout struct {
	RunID      string
	NodeID     string
	WorkerKind string
}
