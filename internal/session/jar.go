package session

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"

	"golang.org/x/net/publicsuffix"
)

// swapJar lets the client drop every cookie at once without touching the
// http.Client it is installed in.
type swapJar struct {
	mu    sync.RWMutex
	inner *cookiejar.Jar
}

func newJar() (*cookiejar.Jar, error) {
	return cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
}

func newSwapJar() (*swapJar, error) {
	inner, err := newJar()
	if err != nil {
		return nil, err
	}
	return &swapJar{inner: inner}, nil
}

func (j *swapJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.RLock()
	inner := j.inner
	j.mu.RUnlock()
	inner.SetCookies(u, cookies)
}

func (j *swapJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	inner := j.inner
	j.mu.RUnlock()
	return inner.Cookies(u)
}

func (j *swapJar) reset() error {
	inner, err := newJar()
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.inner = inner
	j.mu.Unlock()
	return nil
}
