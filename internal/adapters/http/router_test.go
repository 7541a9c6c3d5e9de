package http_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Cowrite/internal/adapters/api"
	router "github.com/dkeye/Cowrite/internal/adapters/http"
	"github.com/dkeye/Cowrite/internal/app"
	"github.com/dkeye/Cowrite/internal/config"
	"github.com/dkeye/Cowrite/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, limiter *app.RateLimiter) (*gin.Engine, *app.Directory) {
	t.Helper()
	dir := app.NewDirectory(clockwork.NewFakeClock(), app.DefaultDirectoryOptions())
	cfg := &config.ServerConfig{Mode: "release", Secret: "test-secret"}
	return router.SetupRouter(context.Background(), cfg, dir, limiter), dir
}

func post(r http.Handler, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	return postFrom(r, "192.0.2.1:1234", body, cookies...)
}

func postFrom(r http.Handler, remote, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/signal", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remote
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) api.Response {
	t.Helper()
	var resp api.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestSignalEndpoint(t *testing.T) {
	r, _ := setup(t, nil)

	w := post(r, `{"action":"create-session","name":"alpha","hostId":"h1","offer":"o1"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, decode(t, w).Success)

	w = post(r, `{"action":"join-session","name":"alpha"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, domain.RoleJoiner, resp.Role)
	assert.Equal(t, "o1", resp.Offer)

	w = post(r, `{"action":"delete-session","name":"alpha","hostId":"nope"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	resp = decode(t, w)
	assert.False(t, resp.Success)
	assert.Equal(t, domain.ReasonNotHost, resp.Reason)
}

func TestSignalEndpointMalformed(t *testing.T) {
	r, _ := setup(t, nil)
	w := post(r, `{"action":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode(t, w)
	assert.False(t, resp.Success)
	assert.Equal(t, domain.ReasonBadRequest, resp.Reason)
}

func TestClientTokenKeysRateLimit(t *testing.T) {
	limiter := app.NewRateLimiter(clockwork.NewFakeClock(), 1, time.Minute)
	r, _ := setup(t, limiter)

	w := post(r, `{"action":"create-session","name":"a","hostId":"h1"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies, "session cookie must be issued")

	// the token carries its own budget once the cookie comes back
	w = post(r, `{"action":"create-session","name":"b","hostId":"h1"}`, cookies...)
	assert.Equal(t, http.StatusCreated, w.Code)
	w = post(r, `{"action":"create-session","name":"c","hostId":"h1"}`, cookies...)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, domain.ReasonRateLimited, decode(t, w).Reason)

	// a different client gets its own token and budget
	w = postFrom(r, "198.51.100.7:4000", `{"action":"create-session","name":"d","hostId":"h2"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestCookielessCallersLimitedByAddress(t *testing.T) {
	limiter := app.NewRateLimiter(clockwork.NewFakeClock(), 1, time.Minute)
	r, _ := setup(t, limiter)

	w := post(r, `{"action":"create-session","name":"a","hostId":"h1"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	// dropping the cookie does not buy a fresh budget
	w = post(r, `{"action":"create-session","name":"b","hostId":"h1"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, domain.ReasonRateLimited, decode(t, w).Reason)

	w = postFrom(r, "198.51.100.7:4000", `{"action":"create-session","name":"c","hostId":"h2"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestSessionsAndHealth(t *testing.T) {
	r, dir := setup(t, nil)
	require.NoError(t, dir.CreateSession("alpha", "h1", ""))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"alpha"`)
	assert.NotContains(t, w.Body.String(), "h1")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
