package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkout_engine/internal/model"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestShouldRetryTable(t *testing.T) {
	cases := []struct {
		name string
		in   Classification
		want bool
	}{
		{"server error ignored", Classification{Status: 500, IgnoreServerErrors: true}, true},
		{"server error surfaced", Classification{Status: 503}, false},
		{"bad request", Classification{Status: 400, IgnoreServerErrors: true}, false},
		{"aborted hidden", Classification{TimedOut: true, HideTimedOut: true}, false},
		{"aborted visible", Classification{TimedOut: true}, true},
		{"throttled", Classification{Status: 430}, true},
		{"throttled with every flag", Classification{Status: 430, HideTimedOut: true}, true},
		{"throttled while timed out", Classification{Status: 430, TimedOut: true, HideTimedOut: true}, true},
		{"reset", Classification{Reset: true, HideTimedOut: true}, true},
		{"ok", Classification{Status: 200, IgnoreServerErrors: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ShouldRetry(tc.in))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.True(t, Classify(0, &net.OpError{Op: "read", Err: syscall.ECONNRESET}).Reset)
	assert.True(t, Classify(0, fmt.Errorf("wrapped: %w", syscall.ECONNABORTED)).TimedOut)
	assert.True(t, Classify(0, &url.Error{Op: "Get", URL: "x", Err: timeoutErr{}}).TimedOut)
	assert.True(t, Classify(0, context.DeadlineExceeded).TimedOut)
	c := Classify(502, nil)
	assert.Equal(t, 502, c.Status)
	assert.False(t, c.Reset || c.TimedOut)
	assert.False(t, Classify(0, errors.New("tls: bad certificate")).TimedOut)
}

func newTestClient(t *testing.T, base string, mutate func(*Options)) *Client {
	t.Helper()
	opts := DefaultOptions()
	opts.BaseURL = base
	opts.UserAgent = "test-agent/1.0"
	opts.Retry = RetryOptions{Count: 2, Wait: time.Millisecond, MaxWait: 2 * time.Millisecond}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func TestServerErrorsAreReplayed(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "test-agent/1.0", r.UserAgent())
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	resp, err := c.Get(context.Background(), "/products.json")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text())
	assert.Equal(t, int32(2), hits.Load())
}

func TestServerErrorsSurfaceWhenNotIgnored(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(o *Options) { o.IgnoreServerErrors = false })
	resp, err := c.Get(context.Background(), "/")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, int32(1), hits.Load())
}

func TestClientErrorsAreNotReplayed(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	_, err := c.Get(context.Background(), "/")
	assert.Equal(t, http.StatusBadRequest, StatusOf(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestThrottleIsReplayed(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(StatusQueueThrottle)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(o *Options) { o.IgnoreServerErrors = false })
	resp, err := c.Get(context.Background(), "/cart")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.Status)
	assert.Equal(t, int32(3), hits.Load())
}

func TestNoFollowReturnsRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/checkout" {
			http.Redirect(w, r, "/throttle/queue", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("queue page"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	resp, err := c.Do(context.Background(), Request{URL: "/checkout", NoFollow: true})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.Status)
	assert.Equal(t, "/throttle/queue", resp.Location())

	resp, err = c.Get(context.Background(), "/checkout")
	require.NoError(t, err)
	assert.Equal(t, "queue page", resp.Text())
	assert.Contains(t, resp.URL, "/throttle/queue")
}

func TestPerCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(o *Options) { o.Retry.Count = 0 })
	start := time.Now()
	_, err := c.Do(context.Background(), Request{URL: "/slow", Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, Classify(0, err).TimedOut)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, 20*time.Second, c.Timeout())
}

func TestCookiesAndReset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/set" {
			http.SetCookie(w, &http.Cookie{Name: "cart", Value: "c1", Path: "/"})
			return
		}
		if ck, err := r.Cookie("cart"); err == nil {
			_, _ = w.Write([]byte(ck.Value))
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	_, err := c.Get(context.Background(), "/set")
	require.NoError(t, err)
	resp, err := c.Get(context.Background(), "/echo")
	require.NoError(t, err)
	assert.Equal(t, "c1", resp.Text())
	assert.Len(t, c.Cookies("/"), 1)

	require.NoError(t, c.ResetCookies())
	resp, err = c.Get(context.Background(), "/echo")
	require.NoError(t, err)
	assert.Empty(t, resp.Text())

	c.SetCookies("/", []model.Cookie{{Name: "cart", Value: "manual", Path: "/"}})
	resp, err = c.Get(context.Background(), "/echo")
	require.NoError(t, err)
	assert.Equal(t, "manual", resp.Text())
}

func TestProxyAuthFailureHook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusProxyAuthRequired)
	}))
	defer srv.Close()

	var fired atomic.Int32
	c := newTestClient(t, srv.URL, func(o *Options) { o.OnProxyAuthFailure = func() { fired.Add(1) } })
	_, err := c.Get(context.Background(), "/")
	assert.ErrorIs(t, err, ErrProxyAuth)
	assert.Equal(t, int32(1), fired.Load())
}

func TestRequestsGoThroughProxy(t *testing.T) {
	var proxied atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied.Add(1)
		assert.Equal(t, "shop.invalid", r.URL.Hostname())
		_, _ = w.Write([]byte("via proxy"))
	}))
	defer proxy.Close()
	pu, err := url.Parse(proxy.URL)
	require.NoError(t, err)

	c := newTestClient(t, "", nil)
	c.SetProxy(&model.Proxy{ID: "p1", Host: pu.Hostname(), Port: pu.Port()})
	resp, err := c.Get(context.Background(), "http://shop.invalid/products.json")
	require.NoError(t, err)
	assert.Equal(t, "via proxy", resp.Text())
	assert.Equal(t, int32(1), proxied.Load())
	assert.Equal(t, "p1", c.Proxy().ID)

	c.RemoveProxy()
	assert.Nil(t, c.Proxy())
}

type countingLimiter struct{ n atomic.Int32 }

func (l *countingLimiter) Wait(context.Context) error {
	l.n.Add(1)
	return nil
}

func TestLimitersAreConsulted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	global, store := &countingLimiter{}, &countingLimiter{}
	c := newTestClient(t, srv.URL, func(o *Options) { o.Limiters = []Limiter{global, store} })
	_, err := c.PostJSON(context.Background(), "/cart/add.js", map[string]any{"id": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), global.n.Load())
	assert.Equal(t, int32(1), store.n.Load())
}
