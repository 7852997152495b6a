package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// apiClient talks to the engine control API.
type apiClient struct {
	http *resty.Client
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
	OK    bool            `json:"ok"`
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &apiClient{http: c}
}

// call performs one request and decodes the data member of the reply into
// out when out is non-nil.
func (c *apiClient) call(ctx context.Context, method, path string, body, out any) error {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	var env envelope
	if len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), &env); err != nil && resp.IsSuccess() {
			return fmt.Errorf("%s %s: decode reply: %w", method, path, err)
		}
	}
	if resp.IsError() {
		msg := env.Error
		if msg == "" {
			msg = strings.TrimSpace(string(resp.Body()))
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode(), msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}
