package model

import (
	"net/http"
	"strings"
	"time"
)

// Cookie is the transport-neutral cookie shape handed to challenge solvers
// and returned with DataDome-style answers.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Path     string `json:"path,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Expires  int64  `json:"expires,omitempty"` // unix millis
	Secure   bool   `json:"secure,omitempty"`
	HttpOnly bool   `json:"httpOnly,omitempty"`
	SameSite string `json:"sameSite,omitempty"`
}

func cookieFromHTTP(hc *http.Cookie) Cookie {
	c := Cookie{
		Name:     hc.Name,
		Value:    hc.Value,
		Path:     hc.Path,
		Domain:   hc.Domain,
		Secure:   hc.Secure,
		HttpOnly: hc.HttpOnly,
		SameSite: sameSiteName(hc.SameSite),
	}
	if !hc.Expires.IsZero() {
		c.Expires = hc.Expires.UnixMilli()
	}
	return c
}

func (c Cookie) HTTP() *http.Cookie {
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Domain:   c.Domain,
		Secure:   c.Secure,
		HttpOnly: c.HttpOnly,
		SameSite: parseSameSite(c.SameSite),
	}
	if c.Expires > 0 {
		hc.Expires = time.UnixMilli(c.Expires)
	}
	return hc
}

func CookiesFromHTTP(in []*http.Cookie) []Cookie {
	var out []Cookie
	for _, hc := range in {
		if hc != nil {
			out = append(out, cookieFromHTTP(hc))
		}
	}
	return out
}

func CookiesToHTTP(in []Cookie) []*http.Cookie {
	out := make([]*http.Cookie, len(in))
	for i := range in {
		out[i] = in[i].HTTP()
	}
	return out
}

func FindCookie(in []Cookie, name string) (Cookie, bool) {
	for _, c := range in {
		if c.Name == name {
			return c, true
		}
	}
	return Cookie{}, false
}

// CookieHeader renders cookies as a request Cookie header value.
func CookieHeader(in []Cookie) string {
	parts := make([]string, 0, len(in))
	for _, c := range in {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

var sameSiteNames = map[http.SameSite]string{
	http.SameSiteLaxMode:    "lax",
	http.SameSiteStrictMode: "strict",
	http.SameSiteNoneMode:   "none",
}

func sameSiteName(s http.SameSite) string {
	if name, ok := sameSiteNames[s]; ok {
		return name
	}
	return "default"
}

func parseSameSite(s string) http.SameSite {
	for mode, name := range sameSiteNames {
		if strings.EqualFold(s, name) {
			return mode
		}
	}
	return http.SameSiteDefaultMode
}
