package fetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

type Kind int

const (
	Unreachable Kind = iota
	Timeout
	Protocol
)

func (k Kind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case Timeout:
		return "timeout"
	case Protocol:
		return "protocol_error"
	default:
		return "unknown"
	}
}

// FetchError reports why an origin exchange did not complete.
type FetchError struct {
	Kind Kind
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Response is a fully read origin response.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

type Config struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	Headers      map[string]string
}

type Client struct {
	client  *http.Client
	headers map[string]string
	maxBody int64
}

func NewClient(cfg Config) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return NewClientWithHTTP(&http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("stopped after 5 redirects")
			}
			return nil
		},
	}, cfg)
}

// NewClientWithHTTP wraps an existing http.Client; cfg.Timeout is ignored.
func NewClientWithHTTP(hc *http.Client, cfg Config) *Client {
	return &Client{
		client:  hc,
		headers: cfg.Headers,
		maxBody: cfg.MaxBodyBytes,
	}
}

// Fetch performs a single GET against origin. Any completed exchange is a Response,
// whatever its status; transport and read failures are *FetchError.
func (c *Client) Fetch(ctx context.Context, origin *url.URL) (*Response, error) {
	target := origin.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &FetchError{Kind: Protocol, URL: target, Err: err}
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: classify(err), URL: target, Err: err}
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if c.maxBody > 0 {
		body = io.LimitReader(resp.Body, c.maxBody+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &FetchError{Kind: classify(err), URL: target, Err: err}
	}
	if c.maxBody > 0 && int64(len(data)) > c.maxBody {
		return nil, &FetchError{Kind: Protocol, URL: target, Err: fmt.Errorf("body exceeds %d bytes", c.maxBody)}
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}

func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return Unreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Unreachable
	}
	return Protocol
}
