package productcache

import (
	"net/url"
	"path"
	"strings"

	"checkout_engine/internal/model"
)

// Matches reports whether p is the product a monitor string points at: by
// id, title, URL, handle or SKU, or by a keyword set such as "+dunk,+low,-kids".
func Matches(p model.Product, monitor string) bool {
	monitor = strings.TrimSpace(monitor)
	if monitor == "" {
		return false
	}
	if IsKeywordSet(monitor) {
		pos, neg := ParseKeywords(monitor)
		return matchKeywords(p, pos, neg)
	}
	if monitor == p.ID || strings.EqualFold(monitor, p.Title) {
		return true
	}
	if p.SKU != "" && strings.EqualFold(monitor, p.SKU) {
		return true
	}
	if p.URL != "" && monitor == p.URL {
		return true
	}
	if p.Handle != "" {
		if monitor == p.Handle {
			return true
		}
		if handle, ok := handleFromURL(monitor); ok && handle == p.Handle {
			return true
		}
	}
	return false
}

// IsKeywordSet reports whether monitor uses the +/- keyword syntax.
func IsKeywordSet(monitor string) bool {
	if strings.Contains(monitor, "://") {
		return false
	}
	return strings.HasPrefix(monitor, "+") || strings.HasPrefix(monitor, "-") || strings.Contains(monitor, ",")
}

func ParseKeywords(monitor string) (positive, negative []string) {
	for _, tok := range strings.Split(monitor, ",") {
		tok = strings.ToLower(strings.TrimSpace(tok))
		switch {
		case tok == "" || tok == "+" || tok == "-":
		case strings.HasPrefix(tok, "-"):
			negative = append(negative, strings.TrimSpace(tok[1:]))
		case strings.HasPrefix(tok, "+"):
			positive = append(positive, strings.TrimSpace(tok[1:]))
		default:
			positive = append(positive, tok)
		}
	}
	return positive, negative
}

func matchKeywords(p model.Product, positive, negative []string) bool {
	if len(positive) == 0 {
		return false
	}
	hay := strings.ToLower(p.Title + " " + p.Handle)
	for _, kw := range positive {
		if !strings.Contains(hay, kw) {
			return false
		}
	}
	for _, kw := range negative {
		if strings.Contains(hay, kw) {
			return false
		}
	}
	return true
}

func handleFromURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	dir, last := path.Split(strings.TrimSuffix(u.Path, "/"))
	if !strings.HasSuffix(dir, "/products/") || last == "" {
		return "", false
	}
	return last, true
}
