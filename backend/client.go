package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/ZephyrDeng/perftimeline-mcp/analyzer"
)

////////////////////////////////////////////////////////////////////////////////

// Client talks to a profiling results server. Every request is a form-encoded POST
// to <base>/<session>/<node>/ whose fields select the document returned.
type Client struct {
	r    *resty.Client
	l    *zap.Logger
	base string
}

////////////////////////////////////////////////////////////////////////////////

type ClientOption func(c *Client) error

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) error {
		c.r.SetTimeout(timeout)
		return nil
	}
}

func WithRetryCount(count int) ClientOption {
	return func(c *Client) error {
		c.r.SetRetryCount(count)
		return nil
	}
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) error {
		logger = logger.Named("backend")
		c.r.SetLogger(logger.Named("resty").Sugar())
		c.l = logger
		return nil
	}
}

func WithBaseURL(base string) ClientOption {
	return func(c *Client) error {
		u, err := url.Parse(strings.TrimSpace(base))
		if err != nil {
			return fmt.Errorf("invalid backend url %q: %w", base, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid backend url %q: unsupported scheme %q", base, u.Scheme)
		}
		c.base = strings.TrimSuffix(u.String(), "/")
		return nil
	}
}

func WithHTTPClientOption(opt func(c *resty.Client) error) ClientOption {
	return func(c *Client) error {
		return opt(c.r)
	}
}

////////////////////////////////////////////////////////////////////////////////

const (
	defaultTimeout    = time.Minute
	defaultRetryCount = 3
)

var ErrNoEndpoint = errors.New("no backend url set")

func NewClient(opts ...ClientOption) (*Client, error) {
	r := resty.New().
		SetTimeout(defaultTimeout).
		SetRetryCount(defaultRetryCount)

	c := &Client{r: r, l: zap.NewNop()}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.base == "" {
		return nil, ErrNoEndpoint
	}

	return c, nil
}

// BaseURL returns the normalized server address.
func (c *Client) BaseURL() string {
	return c.base
}

// Target returns an endpoint serving the documents of one analysis target.
func (c *Client) Target(target analyzer.Target) *Endpoint {
	return &Endpoint{
		c:      c,
		target: target,
		url:    c.base + "/" + url.PathEscape(target.Session) + "/" + url.PathEscape(target.Node) + "/",
	}
}

////////////////////////////////////////////////////////////////////////////////

// Endpoint fetches the documents of a single analysis target.
type Endpoint struct {
	c      *Client
	target analyzer.Target
	url    string
}

func (e *Endpoint) FetchTraceTree(ctx context.Context) (*analyzer.TraceNode, error) {
	var root analyzer.TraceNode
	if err := e.postJSON(ctx, map[string]string{"thread_tree": "true"}, &root); err != nil {
		return nil, err
	}
	if root.ID == "" {
		return nil, fmt.Errorf("%w: empty thread tree for %s", analyzer.ErrNotFound, e.target)
	}
	return &root, nil
}

func (e *Endpoint) FetchCallchains(ctx context.Context) (analyzer.CallchainMappings, error) {
	var mappings analyzer.CallchainMappings
	if err := e.postJSON(ctx, map[string]string{"callchain": "true"}, &mappings); err != nil {
		return nil, err
	}
	return mappings, nil
}

func (e *Endpoint) FetchFlameGraphs(ctx context.Context, pid, tid string, threshold float64) (analyzer.FlameGraphSet, error) {
	var graphs analyzer.FlameGraphSet
	err := e.postJSON(ctx, map[string]string{
		"pid":       pid,
		"tid":       tid,
		"threshold": strconv.FormatFloat(threshold, 'f', -1, 64),
	}, &graphs)
	if err != nil {
		return nil, err
	}
	return graphs, nil
}

func (e *Endpoint) FetchGeneralAnalysis(ctx context.Context, name string) (json.RawMessage, error) {
	body, err := e.post(ctx, map[string]string{"general_analysis": name})
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("general analysis %q of %s is not valid JSON", name, e.target)
	}
	return json.RawMessage(body), nil
}

func (e *Endpoint) FetchSource(ctx context.Context, id string) (string, error) {
	body, err := e.post(ctx, map[string]string{"src": id})
	if err != nil {
		return "", err
	}
	return string(body), nil
}

////////////////////////////////////////////////////////////////////////////////

func (e *Endpoint) postJSON(ctx context.Context, form map[string]string, v any) error {
	body, err := e.post(ctx, form)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode response of %s: %w", e.target, err)
	}
	return nil
}

func (e *Endpoint) post(ctx context.Context, form map[string]string) (body []byte, err error) {
	logger := e.c.l.With(zap.String("target", e.target.String()), zap.Any("request", form))
	defer func() {
		if err != nil {
			logger.Warn("Failed to fetch from results backend", zap.Error(err))
		} else {
			logger.Debug("Fetched from results backend", zap.Int("size", len(body)))
		}
	}()

	res, err := e.c.r.R().
		SetContext(ctx).
		SetFormData(form).
		Post(e.url)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", e.url, err)
	}

	switch {
	case res.StatusCode() == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", analyzer.ErrNotFound, e.target)
	case res.IsError():
		return nil, fmt.Errorf("request to %s failed, status: %s", e.url, res.Status())
	}

	return res.Body(), nil
}

////////////////////////////////////////////////////////////////////////////////
