// Package promosearch implements the client for the external promotion
// search collaborator.
package promosearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/pattadon/promochat/internal/domain"
)

const (
	defaultLimit   = 5
	defaultTimeout = 15 * time.Second
)

// Client queries the promotion search service and normalizes its results.
type Client struct {
	baseURL    string
	limit      int
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientConfig holds configuration for the search client.
type ClientConfig struct {
	// BaseURL is the search service root, e.g. "http://localhost:8001".
	BaseURL string
	// Limit caps how many distinct promotions a search returns.
	Limit int
	// RequestTimeout bounds each search call.
	RequestTimeout time.Duration
}

// NewClient creates a promotion search client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultLimit
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		limit:      cfg.Limit,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger,
	}
}

// Search submits the query list and returns a ranked, identity-deduplicated
// candidate set: highest similarity first, one entry per identity (keeping
// the best score seen), at most the configured limit. An empty result is a
// valid, non-error outcome.
func (c *Client) Search(ctx context.Context, queries []string) ([]domain.Promotion, error) {
	if len(queries) == 0 {
		return []domain.Promotion{}, nil
	}

	params := url.Values{}
	for _, q := range queries {
		params.Add("queries", q)
	}
	endpoint := c.baseURL + "/api/search?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search promotions: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close search response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("search returned status %d: %s: %w",
			resp.StatusCode, strings.TrimSpace(string(body)), errdefs.ErrUnavailable)
	}

	var payload struct {
		Result []domain.Promotion `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	return Rank(payload.Result, c.limit), nil
}

// Rank deduplicates candidates by identity (keeping the highest score per
// identity), sorts by score descending and caps the result at limit.
func Rank(candidates []domain.Promotion, limit int) []domain.Promotion {
	best := make(map[domain.PromotionID]domain.Promotion, len(candidates))
	for _, p := range candidates {
		if seen, ok := best[p.ID]; !ok || p.Score > seen.Score {
			best[p.ID] = p
		}
	}

	ranked := make([]domain.Promotion, 0, len(best))
	for _, p := range best {
		ranked = append(ranked, p)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}
