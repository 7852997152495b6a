package mockstore

import (
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"checkout_engine/internal/session"
)

func TestFootsiteThrottleAnswersWaitingRoom(t *testing.T) {
	srv := httptest.NewServer(NewFootsite(FootsiteOptions{Throttle: 1, RefreshSeconds: 2}).Handler())
	defer srv.Close()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}

	resp, err := client.Get(srv.URL + "/api/v3/session")
	require.NoError(t, err)
	var sess struct {
		Data struct {
			CsrfToken string `json:"csrfToken"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/users/carts/current/entries", strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Set("X-Csrf-Token", sess.Data.CsrfToken)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, session.StatusWaitingRoom, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Refresh"))
}
