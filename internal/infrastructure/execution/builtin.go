package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/duragraph/flowengine/internal/domain/worker"
)

// EchoWorker is a built-in sync worker: it returns its input merged with an
// "echoed" key mirroring the prompt. Useful for development mode and smoke
// tests of the walking path.
type EchoWorker struct{}

// Invoke implements worker.SyncWorker.
func (EchoWorker) Invoke(_ context.Context, inv worker.Invocation) (interface{}, error) {
	out := make(map[string]interface{})
	if m, ok := inv.Input.(map[string]interface{}); ok {
		for k, v := range m {
			out[k] = v
		}
		if prompt, ok := m["prompt"]; ok {
			out["echoed"] = prompt
		}
		return out, nil
	}
	out["echoed"] = inv.Input
	return out, nil
}

// HTTPAsyncWorker posts an invocation to a remote worker endpoint. The
// remote worker acknowledges the POST and reports its result later via the
// callback URL embedded in the request body.
type HTTPAsyncWorker struct {
	Endpoint string
	Client   *http.Client
	Headers  map[string]string
}

type asyncRequest struct {
	RunID       string      `json:"runId"`
	NodeID      string      `json:"nodeId"`
	Input       interface{} `json:"input"`
	CallbackURL string      `json:"callbackUrl"`
}

// Post implements worker.AsyncWorker.
func (w *HTTPAsyncWorker) Post(ctx context.Context, inv worker.Invocation) error {
	body, err := json.Marshal(asyncRequest{
		RunID:       inv.RunID,
		NodeID:      inv.NodeID,
		Input:       inv.Input,
		CallbackURL: inv.CallbackURL,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("worker endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// RegisterBuiltinWorkers registers the worker kinds every deployment carries.
// Kinds backed by external services are registered by the startup wiring with
// their credentials; allowMockFallback controls whether a missing credential
// degrades to mock output or refuses dispatch.
func RegisterBuiltinWorkers(registry *worker.Registry, allowMockFallback bool) {
	registry.Register(&worker.Kind{
		Name:           "echo",
		Mode:           worker.DispatchSync,
		Sync:           EchoWorker{},
		HasCredentials: true,
	})
	registry.Register(&worker.Kind{
		Name:              "noop",
		Mode:              worker.DispatchSync,
		Sync:              passthroughWorker{},
		HasCredentials:    true,
		AllowMockFallback: allowMockFallback,
	})
}

type passthroughWorker struct{}

func (passthroughWorker) Invoke(_ context.Context, inv worker.Invocation) (interface{}, error) {
	return inv.Input, nil
}
