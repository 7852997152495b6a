package session

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
)

// deadlineTransport applies the client's baseline timeout to each attempt.
// It is read per request so the worker can stretch it while calls are in
// flight.
type deadlineTransport struct {
	base    http.RoundTripper
	timeout *atomic.Int64
}

func (t *deadlineTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	d := time.Duration(t.timeout.Load())
	if d <= 0 {
		return t.base.RoundTrip(req)
	}
	ctx, cancel := context.WithTimeout(req.Context(), d)
	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func newHTTPTransport(proxy *atomic.Pointer[url.URL]) *http.Transport {
	return &http.Transport{
		Proxy: func(*http.Request) (*url.URL, error) {
			return proxy.Load(), nil
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
