// Package session is the per-worker HTTP layer: one resty client bound to a
// private cookie jar, a swappable proxy and a stable user agent.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"checkout_engine/internal/logbus"
	"checkout_engine/internal/model"
)

// Limiter is satisfied by *rate.Limiter.
type Limiter interface {
	Wait(ctx context.Context) error
}

type RetryOptions struct {
	Count   int
	Wait    time.Duration
	MaxWait time.Duration
}

type Options struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	Retry     RetryOptions
	// IgnoreServerErrors replays 5xx responses. DefaultOptions turns it on.
	IgnoreServerErrors bool
	HideTimedOut       bool
	Limiters           []Limiter
	Proxy              *model.Proxy
	Bus                logbus.Publisher
	// Fields are attached to every log line.
	Fields map[string]any
	// OnProxyAuthFailure runs when the proxy answers 407.
	OnProxyAuthFailure func()
	// Transport replaces the default transport; tests use it.
	Transport http.RoundTripper
}

func DefaultOptions() Options {
	return Options{
		Timeout:            20 * time.Second,
		Retry:              RetryOptions{Count: 2, Wait: 200 * time.Millisecond, MaxWait: 1200 * time.Millisecond},
		IgnoreServerErrors: true,
	}
}

type Client struct {
	http      *resty.Client
	transport *http.Transport
	jar       *swapJar
	base      *url.URL
	userAgent string
	bus       logbus.Publisher
	fields    map[string]any
	onAuth    func()

	timeout            atomic.Int64
	proxyURL           atomic.Pointer[url.URL]
	proxy              atomic.Pointer[model.Proxy]
	hideTimedOut       atomic.Bool
	ignoreServerErrors atomic.Bool
}

type noFollowKey struct{}

func New(opts Options) (*Client, error) {
	jar, err := newSwapJar()
	if err != nil {
		return nil, err
	}
	c := &Client{
		jar:       jar,
		userAgent: opts.UserAgent,
		bus:       opts.Bus,
		fields:    opts.Fields,
		onAuth:    opts.OnProxyAuthFailure,
	}
	if c.bus == nil {
		c.bus = logbus.Discard{}
	}
	if opts.BaseURL != "" {
		u, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("session: base url: %w", err)
		}
		c.base = u
	}
	c.timeout.Store(int64(opts.Timeout))
	c.hideTimedOut.Store(opts.HideTimedOut)
	c.ignoreServerErrors.Store(opts.IgnoreServerErrors)

	base := opts.Transport
	if base == nil {
		c.transport = newHTTPTransport(&c.proxyURL)
		base = c.transport
	}
	hc := &http.Client{
		Transport: &deadlineTransport{base: base, timeout: &c.timeout},
		Jar:       jar,
	}

	client := resty.NewWithClient(hc).
		SetBaseURL(opts.BaseURL).
		SetRetryCount(opts.Retry.Count).
		SetRetryWaitTime(opts.Retry.Wait).
		SetRetryMaxWaitTime(opts.Retry.MaxWait).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
			if nf, _ := req.Context().Value(noFollowKey{}).(bool); nf {
				return http.ErrUseLastResponse
			}
			if len(via) >= 10 {
				return fmt.Errorf("stopped after %d redirects", len(via))
			}
			return nil
		})).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return ShouldRetry(c.classify(r, err))
		})
	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}

	limiters := opts.Limiters
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		for _, l := range limiters {
			if l == nil {
				continue
			}
			if err := l.Wait(req.Context()); err != nil {
				return err
			}
		}
		c.log(logbus.LevelDebug, "http request", map[string]any{
			"method": req.Method,
			"url":    req.URL,
		})
		return nil
	})
	client.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		if resp.StatusCode() == http.StatusProxyAuthRequired {
			c.log(logbus.LevelWarn, "proxy authentication failed", map[string]any{"url": resp.Request.URL})
			if c.onAuth != nil {
				c.onAuth()
			}
		}
		return nil
	})
	client.OnError(func(req *resty.Request, err error) {
		if errors.Is(err, context.Canceled) {
			return
		}
		cl := c.classify(nil, err)
		if cl.Reset || cl.TimedOut {
			return
		}
		c.log(logbus.LevelWarn, "http request error", map[string]any{
			"method": req.Method,
			"url":    req.URL,
			"error":  err.Error(),
		})
	})
	c.http = client

	if opts.Proxy != nil {
		c.SetProxy(opts.Proxy)
	}
	return c, nil
}

func (c *Client) log(level, msg string, fields map[string]any) {
	merged := make(map[string]any, len(fields)+len(c.fields))
	for k, v := range c.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	c.bus.Log(level, msg, merged)
}

func (c *Client) UserAgent() string { return c.userAgent }

func (c *Client) Timeout() time.Duration { return time.Duration(c.timeout.Load()) }

func (c *Client) SetTimeout(d time.Duration) { c.timeout.Store(int64(d)) }

func (c *Client) SetHideTimedOut(v bool) { c.hideTimedOut.Store(v) }

func (c *Client) SetIgnoreServerErrors(v bool) { c.ignoreServerErrors.Store(v) }

// SetProxy routes later connections through p; nil goes direct. Pooled
// connections through the old egress are dropped.
func (c *Client) SetProxy(p *model.Proxy) {
	if p == nil {
		c.RemoveProxy()
		return
	}
	u, err := url.Parse(p.URL())
	if err != nil {
		c.log(logbus.LevelWarn, "invalid proxy", map[string]any{"proxy": p.ID, "error": err.Error()})
		return
	}
	cp := *p
	c.proxy.Store(&cp)
	c.proxyURL.Store(u)
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
}

func (c *Client) RemoveProxy() {
	c.proxy.Store(nil)
	c.proxyURL.Store(nil)
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
}

func (c *Client) Proxy() *model.Proxy {
	p := c.proxy.Load()
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

func (c *Client) ResetCookies() error {
	return c.jar.reset()
}

func (c *Client) resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if c.base != nil && !u.IsAbs() {
		u = c.base.ResolveReference(u)
	}
	return u, nil
}

func (c *Client) Cookies(rawURL string) []model.Cookie {
	u, err := c.resolve(rawURL)
	if err != nil {
		return nil
	}
	return model.CookiesFromHTTP(c.jar.Cookies(u))
}

func (c *Client) SetCookies(rawURL string, cookies []model.Cookie) {
	u, err := c.resolve(rawURL)
	if err != nil {
		return
	}
	c.jar.SetCookies(u, model.CookiesToHTTP(cookies))
}

type Request struct {
	Method string
	URL    string
	Header map[string]string
	Query  map[string]string
	Form   url.Values
	JSON   any
	Body   []byte
	// Timeout bounds this call only, on top of the baseline.
	Timeout time.Duration
	// NoFollow returns 3xx responses instead of following them.
	NoFollow bool
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
	// URL is the final URL after redirects.
	URL string
}

func (r *Response) Location() string { return r.Header.Get("Location") }

func (r *Response) Text() string { return string(r.Body) }

func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode %s: %w", r.URL, err)
	}
	return nil
}

// Do sends req. A response with status >= 400 is returned together with a
// *StatusError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	if req.NoFollow {
		ctx = context.WithValue(ctx, noFollowKey{}, true)
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	r := c.http.R().SetContext(ctx)
	if len(req.Header) > 0 {
		r.SetHeaders(req.Header)
	}
	if len(req.Query) > 0 {
		r.SetQueryParams(req.Query)
	}
	switch {
	case req.JSON != nil:
		r.SetHeader("Content-Type", "application/json").SetBody(req.JSON)
	case req.Form != nil:
		r.SetFormDataFromValues(req.Form)
	case req.Body != nil:
		r.SetBody(req.Body)
	}

	resp, err := r.Execute(method, req.URL)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.URL, err)
	}
	out := &Response{
		Status: resp.StatusCode(),
		Header: resp.Header(),
		Body:   resp.Body(),
		URL:    req.URL,
	}
	if raw := resp.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		out.URL = raw.Request.URL.String()
	}
	if out.Status == http.StatusProxyAuthRequired {
		return out, fmt.Errorf("%s %s: %w", method, req.URL, ErrProxyAuth)
	}
	if out.Status >= 400 {
		return out, &StatusError{Status: out.Status, URL: out.URL, Header: out.Header, Body: out.Body}
	}
	return out, nil
}

func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL})
}

func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, URL: rawURL, Form: form})
}

// PostJSON posts body and decodes the response into out when out is non-nil.
func (c *Client) PostJSON(ctx context.Context, rawURL string, body, out any) (*Response, error) {
	resp, err := c.Do(ctx, Request{Method: http.MethodPost, URL: rawURL, JSON: body})
	if err != nil {
		return resp, err
	}
	if out != nil && len(resp.Body) > 0 {
		if err := resp.DecodeJSON(out); err != nil {
			return resp, err
		}
	}
	return resp, nil
}
