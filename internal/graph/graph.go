// Package graph is the client for the knowledge graph service. The
// engine uses it to enrich fresh sessions with what is already known
// about a sender and to log completed exchanges as episodes.
//
// The service is optional. When no URL is configured the engine simply
// runs without enrichment or episode logging.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/herald-dev/herald/internal/httpkit"
)

// Node is an entity with a condensed summary.
type Node struct {
	Name    string `json:"name"`
	Summary string `json:"summary"`
}

// Edge is a relationship fact between entities. ValidAt marks when the
// fact was observed; stale location facts get a caveat downstream.
type Edge struct {
	Fact    string    `json:"fact"`
	ValidAt time.Time `json:"valid_at"`
}

// SearchResult is the graph's answer to a context query.
type SearchResult struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Episode summarizes one completed exchange for ingestion.
type Episode struct {
	SessionID string
	TurnCount int
	Text      string
	AgentID   string
}

// Client talks to the knowledge graph service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a graph client for the service at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(20 * time.Second),
		),
	}
}

// Search queries the graph for entities and facts relevant to query,
// scoped to the given group (one group per user).
func (c *Client) Search(ctx context.Context, groupID, query string, limit int) (*SearchResult, error) {
	body, err := json.Marshal(map[string]any{
		"group_ids": []string{groupID},
		"query":     query,
		"max_facts": limit,
	})
	if err != nil {
		return nil, fmt.Errorf("graph: marshal search: %w", err)
	}

	var result SearchResult
	if err := c.postJSON(ctx, "/search", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AddEpisode submits one exchange for ingestion. The service processes
// episodes asynchronously; a nil error only means the submission was
// accepted.
func (c *Client) AddEpisode(ctx context.Context, groupID string, ep Episode) error {
	body, err := json.Marshal(map[string]any{
		"group_id":   groupID,
		"session_id": ep.SessionID,
		"turn_count": ep.TurnCount,
		"content":    ep.Text,
		"agent_id":   ep.AgentID,
	})
	if err != nil {
		return fmt.Errorf("graph: marshal episode: %w", err)
	}
	return c.postJSON(ctx, "/messages", body, nil)
}

// Ping verifies the service is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthcheck", nil)
	if err != nil {
		return fmt.Errorf("graph: build ping: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph: unreachable: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("graph: ping status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("graph: build request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph: request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("graph: request %s: status %d: %s",
			path, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("graph: decode response %s: %w", path, err)
	}
	return nil
}
