// Package tools registers the built-in tool handlers. Each handler is a
// thin HTTP adapter to an external collaborator service; the executor only
// depends on the {name, schema, invoke} contract.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/averis-ai/dispatch/internal/toolcall"
)

// Endpoints points at the collaborator services backing the built-ins.
// Empty fields disable the corresponding tool.
type Endpoints struct {
	SearchURL     string // web search front-end, GET ?q=&max_results=
	ScrapeURL     string // page scraper, GET ?url=
	TranscribeURL string // OpenAI-compatible /v1/audio/transcriptions
}

var httpClient = &http.Client{Timeout: 25 * time.Second}

// RegisterBuiltins adds the configured built-in tools to the registry.
func RegisterBuiltins(reg *toolcall.Registry, eps Endpoints) error {
	if eps.SearchURL != "" {
		schema := []byte(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "search query"},
				"max_results": {"type": "integer", "minimum": 1, "maximum": 10}
			},
			"required": ["query"]
		}`)
		err := reg.Register("web_search", "Search the web and return result snippets.", schema, searchHandler(eps.SearchURL))
		if err != nil {
			return err
		}
	}

	if eps.ScrapeURL != "" {
		schema := []byte(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "page URL to fetch"}
			},
			"required": ["url"]
		}`)
		err := reg.Register("fetch_page", "Fetch a web page and return its extracted text.", schema, scrapeHandler(eps.ScrapeURL))
		if err != nil {
			return err
		}
	}

	if eps.TranscribeURL != "" {
		schema := []byte(`{
			"type": "object",
			"properties": {
				"audio_url": {"type": "string", "description": "URL of the audio file"}
			},
			"required": ["audio_url"]
		}`)
		err := reg.Register("transcribe_audio", "Transcribe an audio file to text.", schema, transcribeHandler(eps.TranscribeURL))
		if err != nil {
			return err
		}
	}

	return nil
}

func searchHandler(base string) toolcall.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		maxResults := 5
		if n, ok := args["max_results"].(float64); ok {
			maxResults = int(n)
		}
		u := fmt.Sprintf("%s?q=%s&max_results=%d", base, url.QueryEscape(query), maxResults)
		return getJSON(ctx, u)
	}
}

func scrapeHandler(base string) toolcall.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		target, _ := args["url"].(string)
		u := fmt.Sprintf("%s?url=%s", base, url.QueryEscape(target))
		return getJSON(ctx, u)
	}
}

func transcribeHandler(endpoint string) toolcall.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		audioURL, _ := args["audio_url"].(string)
		body, err := json.Marshal(map[string]string{"url": audioURL})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return doJSON(req)
	}
}

func getJSON(ctx context.Context, u string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return doJSON(req)
}

func doJSON(req *http.Request) (any, error) {
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("collaborator returned status %d", resp.StatusCode)
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		// Not JSON: hand the raw text back.
		return string(raw), nil
	}
	return out, nil
}
