package waitroom

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"checkout_engine/internal/model"
	"checkout_engine/internal/session"
)

type JSONDoer interface {
	Do(ctx context.Context, req session.Request) (*session.Response, error)
}

// HTTPProvider speaks a JSON waiting-room API rooted at the event's queue
// host.
type HTTPProvider struct {
	client JSONDoer
}

func NewHTTPProvider(client JSONDoer) *HTTPProvider {
	return &HTTPProvider{client: client}
}

type requirementsResp struct {
	Captcha *struct {
		Family  model.PuzzleFamily `json:"family"`
		SiteKey string             `json:"siteKey"`
	} `json:"captcha"`
	PoW bool `json:"pow"`
}

type verifyResp struct {
	Valid       bool   `json:"valid"`
	SessionInfo string `json:"sessionInfo"`
}

type enqueueResp struct {
	QueueID         string `json:"queueId"`
	ChallengeFailed bool   `json:"challengeFailed"`
}

type statusResp struct {
	RedirectURL      string `json:"redirectUrl"`
	UpdateIntervalMs int64  `json:"updateInterval"`
	Ticket           struct {
		Progress              float64 `json:"progress"`
		UsersInLineAheadOfYou int     `json:"usersInLineAheadOfYou"`
	} `json:"ticket"`
}

func (p *HTTPProvider) endpoint(ev Event, parts ...string) string {
	u := ev.QueueURL + "/api/queue/" + url.PathEscape(ev.CustomerID) + "/" + url.PathEscape(ev.EventID)
	for _, s := range parts {
		u += "/" + url.PathEscape(s)
	}
	return u
}

func (p *HTTPProvider) post(ctx context.Context, endpoint string, body, out any) error {
	resp, err := p.client.Do(ctx, session.Request{Method: http.MethodPost, URL: endpoint, JSON: body})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.DecodeJSON(out)
}

func (p *HTTPProvider) Requirements(ctx context.Context, ev Event) (Requirements, error) {
	resp, err := p.client.Do(ctx, session.Request{Method: http.MethodGet, URL: p.endpoint(ev, "challenge")})
	if err != nil {
		return Requirements{}, err
	}
	var body requirementsResp
	if err := resp.DecodeJSON(&body); err != nil {
		return Requirements{}, err
	}
	req := Requirements{PoW: body.PoW}
	if body.Captcha != nil {
		req.Captcha = &model.ChallengeRequest{
			URL:         ev.QueueURL,
			Family:      body.Captcha.Family,
			SiteKey:     body.Captcha.SiteKey,
			SiteContext: "waitroom:" + ev.CustomerID + "/" + ev.EventID,
		}
	}
	return req, nil
}

func (p *HTTPProvider) VerifyCaptcha(ctx context.Context, ev Event, answer model.ChallengeAnswer) (string, error) {
	var out verifyResp
	if err := p.post(ctx, p.endpoint(ev, "challenge", "verify"), map[string]any{"token": answer.Value()}, &out); err != nil {
		return "", err
	}
	if !out.Valid || out.SessionInfo == "" {
		return "", errors.New("challenge answer rejected")
	}
	return out.SessionInfo, nil
}

func (p *HTTPProvider) PowChallenge(ctx context.Context, ev Event) (PowInput, error) {
	var in PowInput
	if err := p.post(ctx, p.endpoint(ev, "pow"), map[string]any{}, &in); err != nil {
		return PowInput{}, err
	}
	return in, nil
}

func (p *HTTPProvider) VerifyPow(ctx context.Context, ev Event, in PowInput, sol PowSolution) (string, error) {
	var out verifyResp
	body := map[string]any{"sessionId": in.SessionID, "hash": sol.Hash, "postfix": sol.Postfix}
	if err := p.post(ctx, p.endpoint(ev, "pow", "verify"), body, &out); err != nil {
		return "", err
	}
	if !out.Valid || out.SessionInfo == "" {
		return "", errors.New("proof of work rejected")
	}
	return out.SessionInfo, nil
}

func (p *HTTPProvider) Enqueue(ctx context.Context, ev Event, s Session) (string, error) {
	var out enqueueResp
	body := map[string]any{"sessions": s.Receipts(), "targetUrl": ev.TargetURL}
	err := p.post(ctx, p.endpoint(ev, "enqueue"), body, &out)
	var se *session.StatusError
	if errors.As(err, &se) && se.Status == http.StatusUnprocessableEntity {
		return "", ErrChallengeFailed
	}
	if err != nil {
		return "", err
	}
	if out.ChallengeFailed {
		return "", ErrChallengeFailed
	}
	if out.QueueID == "" {
		return "", fmt.Errorf("enqueue %s: no queue id", ev.EventID)
	}
	return out.QueueID, nil
}

func (p *HTTPProvider) Status(ctx context.Context, ev Event, queueID string) (Status, error) {
	var out statusResp
	if err := p.post(ctx, p.endpoint(ev, queueID, "status"), map[string]any{"targetUrl": ev.TargetURL}, &out); err != nil {
		return Status{}, err
	}
	return Status{
		QueueID:     queueID,
		Position:    out.Ticket.UsersInLineAheadOfYou,
		Progress:    out.Ticket.Progress,
		RedirectURL: out.RedirectURL,
		PollAfter:   time.Duration(out.UpdateIntervalMs) * time.Millisecond,
	}, nil
}
