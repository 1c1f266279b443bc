package work

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tabulate-labs/tabulator/internal/engine"
	"github.com/tabulate-labs/tabulator/internal/registry"
)

// Client is the worker-side HTTP client for reporting stage outcomes back
// through the public API.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		base: baseURL,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Begin(ctx context.Context, runID uuid.UUID, stage registry.StageID) error {
	return c.post(ctx, c.stageURL(runID, stage, "begin"), nil)
}

func (c *Client) Progress(ctx context.Context, runID uuid.UUID, stage registry.StageID, p engine.Progress) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	return c.post(ctx, c.stageURL(runID, stage, "progress"), body)
}

func (c *Client) Lock(ctx context.Context, runID uuid.UUID, stage registry.StageID, payload []byte) error {
	return c.post(ctx, c.stageURL(runID, stage, "lock"), payload)
}

func (c *Client) Fail(ctx context.Context, runID uuid.UUID, stage registry.StageID, msg string) error {
	body, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}
	return c.post(ctx, c.stageURL(runID, stage, "fail"), body)
}

func (c *Client) stageURL(runID uuid.UUID, stage registry.StageID, op string) string {
	return fmt.Sprintf("%s/api/v1/runs/%s/stages/%s/%s", c.base, runID, stage, op)
}

func (c *Client) post(ctx context.Context, url string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: status %d: %s", url, resp.StatusCode, bytes.TrimSpace(data))
	}
	return nil
}
