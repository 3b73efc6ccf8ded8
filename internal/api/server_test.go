package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/signalswap/backend/internal/coordinator"
	"github.com/signalswap/backend/internal/core"
	"github.com/signalswap/backend/internal/poller"
)

type stubRules struct{}

func (stubRules) DueRules(context.Context, time.Time) ([]core.Rule, error) { return nil, nil }

type stubMarkets struct{}

func (stubMarkets) Fetch(context.Context, string) (*core.MarketSample, error) { return nil, nil }

type stubDispatch struct{}

func (stubDispatch) ExecuteRule(context.Context, *core.Rule, *core.MarketSample, time.Time) error {
	return nil
}

func testServer(t *testing.T, apiKeyHash string) *Server {
	t.Helper()
	ks := coordinator.NewKillSwitch(true)
	p := poller.New(stubRules{}, stubMarkets{}, stubDispatch{}, ks, time.Hour, time.Hour, 1)
	return NewServer(nil, p, ks, nil, apiKeyHash)
}

func TestKillSwitchEndpoints(t *testing.T) {
	srv := httptest.NewServer(testServer(t, "").Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/killswitch")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/v1/killswitch", "application/json",
		strings.NewReader(`{"enabled": false}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/v1/killswitch", "application/json",
		strings.NewReader(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "enabled is required")
	resp.Body.Close()
}

func TestKillSwitchEnableStartsPoller(t *testing.T) {
	ks := coordinator.NewKillSwitch(false)
	p := poller.New(stubRules{}, stubMarkets{}, stubDispatch{}, ks, time.Hour, time.Hour, 1)
	p.Start(context.Background())
	require.False(t, p.Status().Running, "booting disabled leaves the loop down")

	srv := httptest.NewServer(NewServer(nil, p, ks, nil, "").Router())
	defer srv.Close()
	defer p.Stop()

	resp, err := http.Post(srv.URL+"/v1/killswitch", "application/json",
		strings.NewReader(`{"enabled": true}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	assert.True(t, ks.Enabled())
	assert.True(t, p.Status().Running, "enabling execution brings the poll loop up")
}

func TestPollerEndpoints(t *testing.T) {
	srv := httptest.NewServer(testServer(t, "").Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/poller/pause", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/v1/poller/tick", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "a paused poller refuses manual ticks")
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/v1/poller/resume", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/v1/poller/tick", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("operator-key"), bcrypt.MinCost)
	require.NoError(t, err)

	srv := httptest.NewServer(testServer(t, string(hash)).Router())
	defer srv.Close()

	// Missing key is rejected.
	resp, err := http.Get(srv.URL + "/v1/killswitch")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Wrong key is rejected.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/killswitch", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// The right key is accepted.
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v1/killswitch", nil)
	req.Header.Set("Authorization", "Bearer operator-key")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
