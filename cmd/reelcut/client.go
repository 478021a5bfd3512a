package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/jo-hoe/reelcut/internal/common"
	"github.com/jo-hoe/reelcut/internal/server"
)

// apiClient talks to a running reelcut server.
type apiClient struct {
	base   string
	apiKey string
	http   *http.Client
}

func (c *apiClient) job(ctx context.Context, id string) (server.JobView, error) {
	var v server.JobView
	err := c.get(ctx, common.PathJobs+"/"+url.PathEscape(id), &v)
	return v, err
}

func (c *apiClient) userJobs(ctx context.Context, userID string) ([]server.JobSummary, error) {
	var out []server.JobSummary
	err := c.get(ctx, common.PathUsers+"/"+url.PathEscape(userID)+"/jobs", &out)
	return out, err
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", common.ContentTypeJSON)
	if c.apiKey != "" {
		req.Header.Set(common.HeaderAPIKey, c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
