package session

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"

	"github.com/go-resty/resty/v2"
)

const (
	// StatusQueueThrottle is the non-standard status some storefront edges
	// answer with when a request was shed; it is always safe to replay.
	StatusQueueThrottle = 430
	// StatusWaitingRoom is answered by Footsite-style edges while a cart is
	// held in the waiting room, usually with a Refresh hint.
	StatusWaitingRoom = 529
)

type Classification struct {
	Status             int
	Reset              bool
	TimedOut           bool
	HideTimedOut       bool
	IgnoreServerErrors bool
}

// ShouldRetry decides whether a call is replayed transparently instead of
// surfacing to the step.
func ShouldRetry(c Classification) bool {
	switch {
	case c.Reset, c.Status == StatusQueueThrottle:
		return true
	case c.TimedOut:
		return !c.HideTimedOut
	case c.Status >= 500:
		return c.IgnoreServerErrors
	default:
		return false
	}
}

// Classify inspects a transport error and status code.
func Classify(status int, err error) Classification {
	c := Classification{Status: status}
	if err == nil {
		return c
	}
	if errors.Is(err, syscall.ECONNRESET) {
		c.Reset = true
		return c
	}
	if errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		c.TimedOut = true
		return c
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		c.TimedOut = true
	}
	return c
}

func (c *Client) classify(r *resty.Response, err error) Classification {
	status := 0
	if r != nil && r.RawResponse != nil {
		status = r.StatusCode()
	}
	cl := Classify(status, err)
	cl.HideTimedOut = c.hideTimedOut.Load()
	cl.IgnoreServerErrors = c.ignoreServerErrors.Load()
	return cl
}
