// Package authority holds the clients for the two external sources of truth:
// the orchestration service that runs agent tasks, and the on-chain contract
// state consulted by the removal sweep.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrNotReady is returned when the orchestration service accepted the agent
// but has not materialized a task for it yet. Callers should retry.
var ErrNotReady = errors.New("orchestrator task not ready")

// notReadyMarker is the error string the orchestration service returns while
// task metadata is still propagating.
const notReadyMarker = "Container metadata not yet available"

type startRequest struct {
	AgentID       string `json:"agentId"`
	CharacterFile string `json:"characterFile"`
	Credentials   string `json:"credentials,omitempty"`
}

type startResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Container string `json:"container"`
	} `json:"data"`
	Error string `json:"error"`
}

// Client talks to the orchestration service over HTTP. It performs no retries
// of its own; the not-ready signal is surfaced as ErrNotReady for the caller
// to retry.
type Client struct {
	baseURL string
	httpc   *http.Client
	log     *slog.Logger
}

func NewClient(baseURL string, log *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

// StartAgent asks the orchestration service to run a task for the agent and
// returns the task reference it assigned.
func (c *Client) StartAgent(ctx context.Context, agentID, characterFile, credentials string) (string, error) {
	body, err := json.Marshal(startRequest{
		AgentID:       agentID,
		CharacterFile: characterFile,
		Credentials:   credentials,
	})
	if err != nil {
		return "", fmt.Errorf("encode start request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/start", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("call orchestrator: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read orchestrator response: %w", err)
	}

	var parsed startResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		if resp.StatusCode == http.StatusServiceUnavailable {
			return "", fmt.Errorf("orchestrator unavailable: %w", ErrNotReady)
		}
		return "", fmt.Errorf("decode orchestrator response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode == http.StatusServiceUnavailable || strings.Contains(parsed.Error, notReadyMarker) {
		return "", fmt.Errorf("orchestrator: %s: %w", parsed.Error, ErrNotReady)
	}
	if resp.StatusCode != http.StatusOK || !parsed.Success {
		return "", fmt.Errorf("orchestrator start failed (status %d): %s", resp.StatusCode, parsed.Error)
	}
	if parsed.Data.Container == "" {
		return "", fmt.Errorf("orchestrator start returned no task reference")
	}
	return parsed.Data.Container, nil
}
