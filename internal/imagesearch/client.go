package imagesearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kiranshivaraju/curio/pkg/models"
)

// Sentinel errors for image search failures.
var (
	ErrUnreachable  = errors.New("image search unreachable")
	ErrSearchFailed = errors.New("image search failed")
	ErrTimeout      = errors.New("image search timeout")
)

// Searcher finds a cover image for an editorial vibe tag. A nil image with a
// nil error means nothing matched.
type Searcher interface {
	SearchByVibe(ctx context.Context, tag string) (*models.CoverImage, error)
}

// HTTPClient implements Searcher against an Unsplash-compatible photo search API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a new image search HTTP client.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) SearchByVibe(ctx context.Context, tag string) (*models.CoverImage, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil, nil
	}

	params := url.Values{
		"query":       {tag},
		"per_page":    {"1"},
		"orientation": {"landscape"},
	}
	u := fmt.Sprintf("%s/search/photos?%s", c.baseURL, params.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrSearchFailed, resp.StatusCode)
	}

	var searchResp searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	return firstImage(searchResp.Results), nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Accept-Version", "v1")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Client-ID "+c.apiKey)
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// firstImage converts the top search hit into a cover image.
func firstImage(results []photo) *models.CoverImage {
	for _, p := range results {
		if p.URLs.Regular == "" {
			continue
		}
		attribution := p.User.Name
		if attribution != "" {
			attribution = "Photo by " + attribution
		}
		return &models.CoverImage{URL: p.URLs.Regular, Attribution: attribution}
	}
	return nil
}

// --- Search response types ---

type searchResponse struct {
	Total   int     `json:"total"`
	Results []photo `json:"results"`
}

type photo struct {
	ID   string `json:"id"`
	URLs struct {
		Regular string `json:"regular"`
	} `json:"urls"`
	User struct {
		Name string `json:"name"`
	} `json:"user"`
}

// Compile-time check that HTTPClient implements Searcher.
var _ Searcher = (*HTTPClient)(nil)
