package model

import (
	"fmt"
	"net/url"
	"strings"
)

type Proxy struct {
	ID       string `json:"id"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ParseProxy accepts "host:port", "host:port:user:pass" or a full URL.
func ParseProxy(raw string) (Proxy, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Proxy{}, fmt.Errorf("empty proxy")
	}
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Proxy{}, fmt.Errorf("parse proxy: %w", err)
		}
		p := Proxy{ID: raw, Host: u.Hostname(), Port: u.Port()}
		if u.User != nil {
			p.Username = u.User.Username()
			p.Password, _ = u.User.Password()
		}
		if p.Host == "" || p.Port == "" {
			return Proxy{}, fmt.Errorf("proxy %q: host and port are required", raw)
		}
		return p, nil
	}
	parts := strings.Split(raw, ":")
	switch len(parts) {
	case 2:
		return Proxy{ID: raw, Host: parts[0], Port: parts[1]}, nil
	case 4:
		return Proxy{ID: raw, Host: parts[0], Port: parts[1], Username: parts[2], Password: parts[3]}, nil
	default:
		return Proxy{}, fmt.Errorf("proxy %q: expected host:port or host:port:user:pass", raw)
	}
}

func (p Proxy) URL() string {
	u := url.URL{Scheme: "http", Host: p.Host + ":" + p.Port}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}
