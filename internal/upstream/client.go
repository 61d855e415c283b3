package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/crashwatch/internal/game"
)

// Defaults for the feed client.
const (
	DefaultBaseURL     = "https://bc.game"
	DefaultHistoryPath = "/api/game/bet/multi/history"
	DefaultGameURL     = "crash"
	DefaultTimeout     = 10 * time.Second
	DefaultUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	MinPageSize = 20
	MaxPageSize = 100

	// maxBody bounds how much of a response is read.
	maxBody = 8 << 20
)

// Client fetches history pages from the feed.
type Client struct {
	baseURL     string
	historyPath string
	gameURL     string
	method      string
	userAgent   string
	signatures  []string
	http        *http.Client
	cookies     *CookieFile
	loc         *time.Location
	schema      *schemaValidator
	logger      *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithHistoryPath overrides DefaultHistoryPath.
func WithHistoryPath(p string) Option {
	return func(c *Client) {
		if p != "" {
			c.historyPath = p
		}
	}
}

// WithMethod selects POST (JSON body, the default) or GET (query string).
func WithMethod(method string) Option {
	return func(c *Client) {
		if method == http.MethodGet || method == http.MethodPost {
			c.method = method
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithTimeout sets the per-request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithCookies attaches credentials to every request.
func WithCookies(cf *CookieFile) Option {
	return func(c *Client) {
		c.cookies = cf
	}
}

// WithLocation sets the time zone of decoded timestamps.
func WithLocation(loc *time.Location) Option {
	return func(c *Client) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// WithChallengeSignatures replaces DefaultChallengeSignatures.
func WithChallengeSignatures(sigs []string) Option {
	return func(c *Client) {
		if len(sigs) > 0 {
			c.signatures = sigs
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a feed client.
func NewClient(opts ...Option) (*Client, error) {
	schema, err := newSchemaValidator()
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:     DefaultBaseURL,
		historyPath: DefaultHistoryPath,
		gameURL:     DefaultGameURL,
		method:      http.MethodPost,
		userAgent:   DefaultUserAgent,
		signatures:  DefaultChallengeSignatures,
		http:        &http.Client{Timeout: DefaultTimeout},
		loc:         time.UTC,
		schema:      schema,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ClampPageSize bounds size to [MinPageSize, MaxPageSize].
func ClampPageSize(size int) int {
	switch {
	case size < MinPageSize:
		return MinPageSize
	case size > MaxPageSize:
		return MaxPageSize
	default:
		return size
	}
}

type historyRequest struct {
	GameURL  string `json:"gameUrl"`
	Page     int    `json:"page"`
	PageSize int    `json:"pageSize"`
}

// FetchPage retrieves page number (1 = newest). Errors are
// *game.UpstreamError: Blocked for challenge pages, Transient otherwise.
// A valid but empty page returns an empty Page and no error.
func (c *Client) FetchPage(ctx context.Context, page, size int) (Page, error) {
	if page < 1 {
		page = 1
	}
	size = ClampPageSize(size)

	req, err := c.newRequest(ctx, page, size)
	if err != nil {
		return Page{}, &game.UpstreamError{Kind: game.UpstreamTransient, Page: page, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Page{}, &game.UpstreamError{Kind: game.UpstreamTransient, Page: page, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Page{}, &game.UpstreamError{Kind: game.UpstreamTransient, Page: page, StatusCode: resp.StatusCode, Err: err}
	}

	if sig, ok := detectChallenge(body, resp.Header.Get("Content-Type"), c.signatures); ok {
		return Page{}, &game.UpstreamError{Kind: game.UpstreamBlocked, Page: page, StatusCode: resp.StatusCode, Signature: sig}
	}

	if resp.StatusCode != http.StatusOK {
		return Page{}, &game.UpstreamError{
			Kind:       game.UpstreamTransient,
			Page:       page,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	p, err := c.decodePage(page, body)
	if err != nil {
		return Page{}, &game.UpstreamError{Kind: game.UpstreamTransient, Page: page, StatusCode: resp.StatusCode, Err: err}
	}
	c.logger.Debug("page fetched",
		zap.Int("page", page),
		zap.Int("records", len(p.Records)),
		zap.Int("invalid", len(p.Invalid)),
	)
	return p, nil
}

func (c *Client) newRequest(ctx context.Context, page, size int) (*http.Request, error) {
	endpoint := c.baseURL + c.historyPath

	var req *http.Request
	var err error
	switch c.method {
	case http.MethodGet:
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("size", strconv.Itoa(size))
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	default:
		payload, mErr := json.Marshal(historyRequest{GameURL: c.gameURL, Page: page, PageSize: size})
		if mErr != nil {
			return nil, mErr
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Referer", c.baseURL+"/")
	req.Header.Set("Origin", c.baseURL)
	if c.cookies != nil {
		c.cookies.Apply(req)
	}
	return req, nil
}

// IsTimeout reports whether err is a client-side timeout.
func IsTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
