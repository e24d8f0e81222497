package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rosewoodhq/synckit/internal/action"
	"github.com/rosewoodhq/synckit/internal/coordinator"
)

// httpApplier posts queued actions to the domain apply endpoint.
//
// The endpoint is the application server's thin apply surface; it owns
// validation and domain logic and is expected to dedup on the action ID.
// 4xx responses are permanent failures, everything else is transient.
type httpApplier struct {
	endpoint string
	client   *http.Client
}

func newHTTPApplier(endpoint string, timeout time.Duration) coordinator.Applier {
	return &httpApplier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type applyRequest struct {
	ActionID   string          `json:"action_id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Op         string          `json:"op"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Apply implements coordinator.Applier.
func (h *httpApplier) Apply(ctx context.Context, a *action.QueuedAction) error {
	if h.endpoint == "" {
		return coordinator.Permanent(fmt.Errorf("no apply endpoint configured"))
	}

	body, err := json.Marshal(applyRequest{
		ActionID:   a.ID,
		EntityType: a.EntityType,
		EntityID:   a.EntityID,
		Op:         string(a.Op),
		Payload:    a.Payload,
	})
	if err != nil {
		return coordinator.Permanent(fmt.Errorf("failed to encode apply request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return coordinator.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", a.ID)

	resp, err := h.client.Do(req)
	if err != nil {
		return coordinator.Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return coordinator.Permanent(fmt.Errorf("apply rejected: %s", resp.Status))
	default:
		return coordinator.Transient(fmt.Errorf("apply failed: %s", resp.Status))
	}
}
