package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	userAgent = "ledgersync/0.1"

	// maxErrorBody caps how much of an error response is kept for messages.
	maxErrorBody = 4 << 10
)

// Client queries the record service. Requests are single-shot: callers
// bound them with a context deadline and treat failure as "unknown".
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient returns a Client rooted at baseURL. When src is non-nil every
// request carries its bearer token. A positive timeout bounds each request.
func NewClient(baseURL string, src oauth2.TokenSource, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{Timeout: timeout}
	if src != nil {
		httpClient.Transport = &oauth2.Transport{Source: src, Base: http.DefaultTransport}
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// recordPage is the subset of a record listing the client reads.
type recordPage struct {
	Records []json.RawMessage `json:"records"`
}

// QueryExists reports whether at least one record of kind exists. It asks
// for a single record.
func (c *Client) QueryExists(ctx context.Context, kind string) (bool, error) {
	u := c.baseURL + "/records/" + url.PathEscape(kind) + "?limit=1"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("remote: creating request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("remote: query %s canceled: %w", kind, ctx.Err())
		}

		return false, fmt.Errorf("remote: query %s: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return false, &StatusError{
			StatusCode: resp.StatusCode,
			RequestID:  resp.Header.Get("X-Request-Id"),
			Message:    strings.TrimSpace(string(body)),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	var page recordPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return false, fmt.Errorf("remote: decoding %s listing: %w", kind, err)
	}

	c.logger.Debug("remote existence query",
		slog.String("kind", kind),
		slog.Int("records", len(page.Records)),
	)

	return len(page.Records) > 0, nil
}
