// Package waitroom negotiates third-party virtual waiting rooms: solve the
// entry challenge (or reuse a session another worker already verified for
// the same event), optionally prove work, enqueue, then poll until the room
// lets us through.
package waitroom

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"checkout_engine/internal/model"
)

var (
	// ErrChallengeFailed means the provider rejected the verified session;
	// every cached verification for the event is stale.
	ErrChallengeFailed = errors.New("waitroom: challenge failed")
	ErrNotWaitroom     = errors.New("waitroom: not a waiting room url")
)

type Event struct {
	CustomerID string `json:"customerId"`
	EventID    string `json:"eventId"`
	QueueURL   string `json:"queueUrl"`
	TargetURL  string `json:"targetUrl,omitempty"`
}

// ParseRedirect extracts the event from a waiting-room redirect such as
// https://queue.example.net/?c=kith&e=dunklow&t=https%3A%2F%2Fkith.com%2Fcheckout.
func ParseRedirect(raw string) (Event, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Event{}, err
	}
	q := u.Query()
	ev := Event{
		CustomerID: q.Get("c"),
		EventID:    q.Get("e"),
		TargetURL:  q.Get("t"),
	}
	if ev.CustomerID == "" || ev.EventID == "" {
		return Event{}, ErrNotWaitroom
	}
	ev.QueueURL = u.Scheme + "://" + u.Host
	return ev, nil
}

type Requirements struct {
	Captcha *model.ChallengeRequest `json:"captcha,omitempty"`
	PoW     bool                    `json:"pow"`
}

// Session is the verified proof that can be presented to Enqueue. It is what
// the presolve cache shares across workers.
type Session struct {
	EventID        string    `json:"eventId"`
	CaptchaReceipt string    `json:"captchaReceipt,omitempty"`
	PowReceipt     string    `json:"powReceipt,omitempty"`
	VerifiedAt     time.Time `json:"verifiedAt"`
}

func (s Session) Receipts() []string {
	var out []string
	if s.CaptchaReceipt != "" {
		out = append(out, s.CaptchaReceipt)
	}
	if s.PowReceipt != "" {
		out = append(out, s.PowReceipt)
	}
	return out
}

type Status struct {
	QueueID     string        `json:"queueId"`
	Position    int           `json:"position"`
	Progress    float64       `json:"progress"`
	RedirectURL string        `json:"redirectUrl,omitempty"`
	PollAfter   time.Duration `json:"pollAfter"`
}

type Result struct {
	Passed      bool   `json:"passed"`
	Blocked     bool   `json:"blocked"`
	RedirectURL string `json:"redirectUrl"`
	QueueID     string `json:"queueId"`
}

// Classify decides whether a final redirect let us through. Providers send
// blocked visitors to a path mentioning "block".
func Classify(redirect string) Result {
	r := Result{RedirectURL: redirect}
	path := redirect
	if u, err := url.Parse(redirect); err == nil {
		path = u.Path
	}
	r.Blocked = strings.Contains(strings.ToLower(path), "block")
	r.Passed = !r.Blocked
	return r
}

// PowInput is what the provider hands out for the proof-of-work puzzle.
type PowInput struct {
	SessionID  string            `json:"sessionId"`
	Meta       map[string]string `json:"meta,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Stats      map[string]int64  `json:"stats,omitempty"`
	Complexity int               `json:"complexity"`
	Input      string            `json:"input"`
}

type PowSolution struct {
	Hash    string `json:"hash"`
	Postfix int64  `json:"postfix"`
}

// PowSolver computes the provider's proof of work. Implementations are
// supplied at runtime.
type PowSolver interface {
	Solve(ctx context.Context, in PowInput) (PowSolution, error)
}

type Provider interface {
	Requirements(ctx context.Context, ev Event) (Requirements, error)
	VerifyCaptcha(ctx context.Context, ev Event, answer model.ChallengeAnswer) (string, error)
	PowChallenge(ctx context.Context, ev Event) (PowInput, error)
	VerifyPow(ctx context.Context, ev Event, in PowInput, sol PowSolution) (string, error)
	// Enqueue returns ErrChallengeFailed when the session is rejected.
	Enqueue(ctx context.Context, ev Event, s Session) (string, error)
	Status(ctx context.Context, ev Event, queueID string) (Status, error)
}

type ChallengeFunc func(ctx context.Context, req model.ChallengeRequest) (model.ChallengeAnswer, error)
