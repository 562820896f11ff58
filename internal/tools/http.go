package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Davincible/chat-gateway/internal/conversation"
	"github.com/Davincible/chat-gateway/internal/providers"
	"github.com/Davincible/chat-gateway/internal/stream"
)

// HTTPExecutor posts tool calls to a remote tool service. The service answers
// each call with a Result object.
type HTTPExecutor struct {
	endpoint string
	defs     []providers.Tool
	client   *http.Client
}

func NewHTTPExecutor(endpoint string, defs []providers.Tool, client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	return &HTTPExecutor{
		endpoint: strings.TrimRight(endpoint, "/"),
		defs:     defs,
		client:   client,
	}
}

type httpCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (e *HTTPExecutor) Execute(ctx context.Context, call stream.ToolCall) (Result, error) {
	body, err := json.Marshal(httpCall{ID: call.ID, Name: call.Name, Arguments: call.Arguments})
	if err != nil {
		return Result{}, fmt.Errorf("marshal tool call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create tool request: %w", err)
	}
	req.Header.Set("Content-Type", providers.ContentTypeJSON)

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("call tool %s: %w", call.Name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read tool %s response: %w", call.Name, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return Result{}, fmt.Errorf("tool %s: status %d: %s", call.Name, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, fmt.Errorf("decode tool %s response: %w", call.Name, err)
	}
	if res.Status == "" {
		res.Status = conversation.StatusSuccess
	}

	return res, nil
}

func (e *HTTPExecutor) Definitions() []providers.Tool {
	return e.defs
}
