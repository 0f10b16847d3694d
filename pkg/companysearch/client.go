// Package companysearch is a client for the paid company identity-search
// API. It returns raw matches; confidence scoring and budgeting live in the
// caller.
package companysearch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/idresolve/internal/resilience"
)

const defaultBaseURL = "https://api.companysearch.example.com"

// ErrUnauthorized is returned for 401/403 responses: the bearer token is
// missing, malformed or expired.
var ErrUnauthorized = eris.New("companysearch: unauthorized")

// MatchKind is how the service matched the queried name.
type MatchKind string

const (
	MatchExact    MatchKind = "exact"
	MatchFuzzy    MatchKind = "fuzzy"
	MatchPhonetic MatchKind = "phonetic"
)

// Client searches companies by name.
type Client interface {
	// Search returns the best matches for name, best first. A nil result
	// with a nil error means no match.
	Search(ctx context.Context, name string) (*SearchResponse, error)
}

// SearchRequest is the body of POST /v1/companies/search.
type SearchRequest struct {
	Name  string `json:"name"`
	Limit int    `json:"limit,omitempty"`
}

// SearchResponse is the response of POST /v1/companies/search.
type SearchResponse struct {
	Matches []Match `json:"matches"`
}

// Match is one candidate company.
type Match struct {
	CompanyID string    `json:"company_id"`
	Name      string    `json:"name"`
	MatchKind MatchKind `json:"match_kind"`
	Score     float64   `json:"score"`
}

// Best returns the first match or nil.
func (r *SearchResponse) Best() *Match {
	if r == nil || len(r.Matches) == 0 {
		return nil
	}
	return &r.Matches[0]
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewClient creates a search client authenticated with a bearer token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ValidateCredentials checks the token and base URL shape without a network
// call.
func ValidateCredentials(token, baseURL string) error {
	if strings.TrimSpace(token) == "" || strings.ContainsAny(token, " \t\r\n") {
		return eris.New("companysearch: token is empty or contains whitespace")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return eris.Wrap(err, "companysearch: parse base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return eris.Errorf("companysearch: base url must be absolute http(s), got scheme %q", u.Scheme)
	}
	return nil
}

func (c *httpClient) Search(ctx context.Context, name string) (*SearchResponse, error) {
	body, err := json.Marshal(SearchRequest{Name: name, Limit: 1})
	if err != nil {
		return nil, eris.Wrap(err, "companysearch: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/companies/search", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "companysearch: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(err, "companysearch: send request")
		}
		return nil, resilience.NewTransientError(eris.Wrap(err, "companysearch: send request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "companysearch: read response"), 0)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, eris.Wrapf(ErrUnauthorized, "status %d", resp.StatusCode)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(eris.Errorf("companysearch: unexpected status %d", resp.StatusCode), resp.StatusCode)
	default:
		// Response bodies may echo the queried name; only the status is kept.
		return nil, eris.Errorf("companysearch: unexpected status %d", resp.StatusCode)
	}

	var result SearchResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "companysearch: unmarshal response")
	}
	if len(result.Matches) == 0 {
		return nil, nil
	}
	return &result, nil
}
