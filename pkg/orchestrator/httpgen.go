package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPGenerator fetches generated application source from the project
// service. The response maps relative file paths to contents.
type HTTPGenerator struct {
	baseURL string
	client  *http.Client
}

func NewHTTPGenerator(baseURL string) *HTTPGenerator {
	return &HTTPGenerator{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (g *HTTPGenerator) Generate(ctx context.Context, projectID string) (map[string]string, error) {
	endpoint := fmt.Sprintf("%s/api/projects/%s/files", g.baseURL, url.PathEscape(projectID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("generator request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generator call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("generator returned status %d for project %s", resp.StatusCode, projectID)
	}

	var payload struct {
		Files map[string]string `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode generator response: %w", err)
	}
	if len(payload.Files) == 0 {
		return nil, fmt.Errorf("generator produced no files for project %s", projectID)
	}
	return payload.Files, nil
}
