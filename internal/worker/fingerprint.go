package worker

import (
	"math/rand/v2"
	"strings"
)

// Desktop browsers only; storefronts serve different checkout markup to
// mobile agents.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36 Edg/130.0.0.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_6_1) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:131.0) Gecko/20100101 Firefox/131.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14.6; rv:131.0) Gecko/20100101 Firefox/131.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
}

func pickUserAgent(rng *rand.Rand) string {
	return userAgents[rng.IntN(len(userAgents))]
}

func IsDesktopUserAgent(ua string) bool {
	s := strings.ToLower(ua)
	if strings.Contains(s, "mobile") || strings.Contains(s, "iphone") || strings.Contains(s, "android") {
		return false
	}
	return strings.Contains(s, "windows") || strings.Contains(s, "macintosh") || strings.Contains(s, "linux")
}
