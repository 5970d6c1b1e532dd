package kie

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxRecordBody = 1 << 20

// Client queries Kie's task record-lookup endpoint. It exists for the
// malformed-webhook fallback: when a callback body cannot be parsed, the
// task state is recovered out of band instead of failing the delivery.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type TaskRecord struct {
	TaskID     string          `json:"taskId"`
	State      string          `json:"state"`
	FailMsg    string          `json:"failMsg"`
	ResultJSON json.RawMessage `json:"resultJson"`
}

type recordResponse struct {
	Code int        `json:"code"`
	Msg  string     `json:"msg"`
	Data TaskRecord `json:"data"`
}

func (c *Client) TaskRecord(ctx context.Context, taskID string) (*TaskRecord, error) {
	endpoint := fmt.Sprintf("%s/api/v1/jobs/recordInfo?taskId=%s", c.baseURL, url.QueryEscape(taskID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kie record lookup: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordBody))
	if err != nil {
		return nil, fmt.Errorf("kie record lookup: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kie record lookup: status %d", resp.StatusCode)
	}

	var parsed recordResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("kie record lookup: %w", err)
	}
	if parsed.Code != 200 {
		return nil, fmt.Errorf("kie record lookup: code %d: %s", parsed.Code, parsed.Msg)
	}
	return &parsed.Data, nil
}
