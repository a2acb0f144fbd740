package trigger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HTTPTrigger talks to a CI endpoint:
//
//	POST {base}/dispatch             start a run
//	GET  {base}/runs/{ref}           run state
//	POST {base}/runs/{ref}/cancel    stop a run
//
// 4xx answers wrap ErrPermanent. Network errors and 5xx answers are transient.
type HTTPTrigger struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

type HTTPOption func(*HTTPTrigger)

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(t *HTTPTrigger) {
		t.client = client
	}
}

func WithToken(token string) HTTPOption {
	return func(t *HTTPTrigger) {
		t.token = token
	}
}

func NewHTTPTrigger(baseURL string, logger *slog.Logger, opts ...HTTPOption) *HTTPTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	t := &HTTPTrigger{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type dispatchRequest struct {
	BuildID         string `json:"build_id"`
	ConfigReference string `json:"config_reference"`
	GitRef          string `json:"git_ref"`
}

type runResponse struct {
	RunID string   `json:"run_id"`
	State RunState `json:"state"`
}

func (t *HTTPTrigger) Trigger(ctx context.Context, buildID, configReference, gitRef string) (string, error) {
	body, err := json.Marshal(dispatchRequest{
		BuildID:         buildID,
		ConfigReference: configReference,
		GitRef:          gitRef,
	})
	if err != nil {
		return "", err
	}

	var run runResponse
	if err := t.do(ctx, http.MethodPost, "/dispatch", body, &run); err != nil {
		return "", t.logError("trigger_dispatch_failed", err, "build_id", buildID)
	}
	if run.RunID == "" {
		return "", fmt.Errorf("%w: dispatch returned no run id", ErrPermanent)
	}

	t.logger.Info("workflow dispatched",
		"event", "trigger_dispatched",
		"module", "shared/trigger",
		"layer", "adapter",
		"build_id", buildID,
		"workflow_reference", run.RunID,
	)
	return run.RunID, nil
}

func (t *HTTPTrigger) Status(ctx context.Context, workflowReference string) (RunState, error) {
	var run runResponse
	if err := t.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(workflowReference), nil, &run); err != nil {
		return "", t.logError("trigger_status_failed", err, "workflow_reference", workflowReference)
	}
	if !run.State.Valid() {
		return "", fmt.Errorf("%w: unknown run state %q", ErrPermanent, run.State)
	}
	return run.State, nil
}

func (t *HTTPTrigger) Cancel(ctx context.Context, workflowReference string) error {
	if err := t.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(workflowReference)+"/cancel", nil, nil); err != nil {
		return t.logError("trigger_cancel_failed", err, "workflow_reference", workflowReference)
	}
	return nil
}

func (t *HTTPTrigger) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s %s: ci endpoint returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(payload)))
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrPermanent, method, path, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrPermanent, err)
	}
	return nil
}

func (t *HTTPTrigger) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+10)
	fields = append(fields,
		"event", event,
		"module", "shared/trigger",
		"layer", "adapter",
		"permanent", errors.Is(err, ErrPermanent),
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	t.logger.Error("ci trigger call failed", fields...)
	return err
}

var _ Trigger = (*HTTPTrigger)(nil)
