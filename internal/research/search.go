package research

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

type SearchResult struct {
	Query   string `json:"query"`
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// SerpAPI queries Google through serpapi.com's JSON endpoint.
type SerpAPI struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewSerpAPI(apiKey string, baseURL string) *SerpAPI {
	if baseURL == "" {
		baseURL = "https://serpapi.com/search.json"
	}
	return &SerpAPI{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type serpResponse struct {
	Error          string `json:"error"`
	OrganicResults []struct {
		Link    string `json:"link"`
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
	} `json:"organic_results"`
}

func (s *SerpAPI) Search(ctx context.Context, query string) ([]SearchResult, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("%w: missing api key", ErrSearchUnavailable)
	}
	params := url.Values{}
	params.Set("engine", "google")
	params.Set("q", query)
	params.Set("num", "10")
	params.Set("api_key", s.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSearchUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrSearchUnavailable, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrSearchUnavailable, resp.StatusCode)
	}
	var parsed serpResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrSearchUnavailable, err)
	}
	if parsed.Error != "" && !strings.Contains(strings.ToLower(parsed.Error), "hasn't returned any results") {
		return nil, fmt.Errorf("%w: %s", ErrSearchUnavailable, parsed.Error)
	}

	results := make([]SearchResult, 0, len(parsed.OrganicResults))
	for _, item := range parsed.OrganicResults {
		if item.Link == "" {
			continue
		}
		results = append(results, SearchResult{
			Query:   query,
			URL:     item.Link,
			Title:   item.Title,
			Snippet: item.Snippet,
		})
	}
	return results, nil
}
