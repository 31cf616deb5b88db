package search

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/herald-dev/herald/internal/tools"
)

// RegisterTool adds the web_search tool backed by the given client.
func RegisterTool(r *tools.Registry, client *SearXNG) {
	r.Register(&tools.Tool{
		Name:        "web_search",
		Description: "Search the web. Returns a JSON array of results with title, url and snippet.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query string.",
				},
				"count": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results to return (1-10). Default: 5.",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "ISO 639-1 language code for results (e.g. 'en', 'de').",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", fmt.Errorf("web_search: query is required")
			}
			count := 0
			if c, ok := args["count"].(float64); ok && c > 0 {
				count = int(c)
			}
			language, _ := args["language"].(string)

			results, err := client.Search(ctx, query, language, count)
			if err != nil {
				return "", err
			}
			out, err := json.Marshal(results)
			if err != nil {
				return "", fmt.Errorf("web_search: marshal results: %w", err)
			}
			return string(out), nil
		},
	})
}
