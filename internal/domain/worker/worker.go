// Package worker implements the Worker Dispatch & Callback domain:
// workers are a tagged variant keyed by worker-kind string, polymorphic over
// {input schema, output schema, dispatch mode}, registered at startup.
package worker

import (
	"context"
	"sync"
)

// DispatchMode selects how a worker kind is invoked.
type DispatchMode string

const (
	// DispatchSync invokes the worker in-process and returns output
	// synchronously.
	DispatchSync DispatchMode = "sync"

	// DispatchAsync POSTs the worker a callback URL and returns without
	// blocking; the worker reports back later via the callback endpoint.
	DispatchAsync DispatchMode = "async"
)

// Invocation is what a worker receives on dispatch.
type Invocation struct {
	RunID       string
	NodeID      string
	WorkerKind  string
	Input       interface{}
	CallbackURL string // populated only for DispatchAsync
}

// SyncWorker is implemented by worker kinds dispatched synchronously.
type SyncWorker interface {
	Invoke(ctx context.Context, inv Invocation) (output interface{}, err error)
}

// AsyncWorker is implemented by worker kinds dispatched asynchronously: Post
// hands the invocation (including CallbackURL) to the remote worker and
// returns once the request has been accepted, not once work is done.
type AsyncWorker interface {
	Post(ctx context.Context, inv Invocation) error
}

// Kind is one registered worker kind: its dispatch mode, the implementation
// to invoke, and whether mock-mode fallback is permitted when credentials
// are absent.
type Kind struct {
	Name              string
	Mode              DispatchMode
	Sync              SyncWorker
	Async             AsyncWorker
	HasCredentials    bool
	AllowMockFallback bool
	MockOutput        func(input interface{}) interface{}
}

// Registry is the process-wide worker-kind registry: initialized at
// startup and never mutated concurrently with reads thereafter.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]*Kind
}

// NewRegistry creates an empty worker-kind registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]*Kind)}
}

// Register adds or replaces a worker kind. Intended to be called only
// during startup wiring.
func (r *Registry) Register(k *Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[k.Name] = k
}

// IsRegistered satisfies graph.WorkerKindRegistry for compiler validation.
func (r *Registry) IsRegistered(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[kind]
	return ok
}

// Lookup returns the registered kind, or false if it is missing. Dispatch
// must reject an unregistered kind rather than silently substituting one.
func (r *Registry) Lookup(kind string) (*Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[kind]
	return k, ok
}
