// Package transport is the HTTP request/response primitive used for
// discovery, fetches and delivery.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"fedcore/pkg/federation"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "fedcore"
	maxRedirects     = 5
)

// Doer is the subset of Client consumed by the resolver and the orchestrator.
type Doer interface {
	Post(ctx context.Context, url string, body []byte, headers map[string]string) (*Response, error)
	Get(ctx context.Context, url, accept string) (*Response, error)
}

// Response carries the status and body of a completed exchange. Any status
// code is a completed exchange; errors are reserved for requests that never
// produced a response.
type Response struct {
	StatusCode int
	Body       []byte
	URL        string
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Err converts a non-2xx response into a *federation.TransportError.
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	if r == nil {
		return &federation.TransportError{}
	}
	return &federation.TransportError{Code: r.StatusCode, URL: r.URL}
}

type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

type Options struct {
	Timeout   time.Duration
	UserAgent string
	Logger    *zap.Logger
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	rc := resty.New().
		SetTimeout(opts.Timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(maxRedirects)).
		SetHeader("User-Agent", opts.UserAgent)

	return &Client{http: rc, logger: opts.Logger}
}

// Post sends body to url.
func (c *Client) Post(ctx context.Context, url string, body []byte, headers map[string]string) (*Response, error) {
	start := time.Now()
	req := c.http.R().
		SetContext(ctx).
		SetHeaders(headers)
	if len(body) > 0 {
		req.SetBody(body)
	}
	resp, err := req.Post(url)
	if err != nil {
		return nil, c.wrap(url, err)
	}

	c.logger.Debug("POST completed",
		zap.String("url", url),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("elapsed", time.Since(start)))
	return &Response{StatusCode: resp.StatusCode(), Body: resp.Body(), URL: url}, nil
}

// Get fetches url with the given Accept header.
func (c *Client) Get(ctx context.Context, url, accept string) (*Response, error) {
	req := c.http.R().SetContext(ctx)
	if accept != "" {
		req.SetHeader("Accept", accept)
	}
	resp, err := req.Get(url)
	if err != nil {
		return nil, c.wrap(url, err)
	}

	c.logger.Debug("GET completed", zap.String("url", url), zap.Int("status", resp.StatusCode()))
	return &Response{StatusCode: resp.StatusCode(), Body: resp.Body(), URL: url}, nil
}

func (c *Client) wrap(url string, err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %s", federation.ErrTransportTimeout, url)
	}
	return &federation.TransportError{URL: url, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
