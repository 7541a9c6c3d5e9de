package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	router "github.com/dkeye/Cowrite/internal/adapters/http"
	"github.com/dkeye/Cowrite/internal/app"
	"github.com/dkeye/Cowrite/internal/config"
	"github.com/dkeye/Cowrite/internal/document"
	"github.com/dkeye/Cowrite/internal/domain"
)

func TestSessionsURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080/api/signal":  "http://localhost:8080/api/sessions",
		"http://localhost:8080/api/signal/": "http://localhost:8080/api/sessions",
		"ws://localhost:8080/api/ws/signal": "http://localhost:8080/api/sessions",
		"wss://example.org/api/ws/signal":   "https://example.org/api/sessions",
	}
	for in, want := range cases {
		assert.Equal(t, want, sessionsURL(in), in)
	}
}

func TestPeerOptions(t *testing.T) {
	opts, err := peerOptions(config.PeerConfig{
		Protocol:           "queue",
		PollInterval:       250 * time.Millisecond,
		AnswerPollAttempts: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ProtocolQueue, opts.Protocol)
	assert.Equal(t, 250*time.Millisecond, opts.PollInterval)
	assert.Equal(t, 5, opts.AnswerPollAttempts)
	// unset fields keep their defaults
	assert.Equal(t, 3*time.Second, opts.ReconnectBackoff)

	_, err = peerOptions(config.PeerConfig{Protocol: "mesh"})
	assert.Error(t, err)
}

func TestFetchAndPrintSessions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clock := clockwork.NewFakeClock()
	dir := app.NewDirectory(clock, app.DefaultDirectoryOptions())
	require.NoError(t, dir.CreateSession("alpha", "h1", "offer-blob"))
	clock.Advance(5 * time.Second)

	srv := httptest.NewServer(router.SetupRouter(context.Background(), &config.ServerConfig{Mode: "test", Secret: "s"}, dir, nil))
	defer srv.Close()

	list, err := fetchSessions(context.Background(), sessionsURL(srv.URL+"/api/signal"))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.SessionName("alpha"), list[0].Name)
	assert.Equal(t, 5*time.Second, list[0].Age)

	var buf bytes.Buffer
	printSessions(&buf, list, time.Now())
	assert.Contains(t, buf.String(), "alpha")
	assert.Contains(t, buf.String(), "single-offer")

	buf.Reset()
	printSessions(&buf, nil, time.Now())
	assert.Equal(t, "no live sessions\n", buf.String())
}

func TestReadLines(t *testing.T) {
	doc := document.New("r")
	readLines(context.Background(), strings.NewReader("one\r\n\ntwo\n"), doc)
	assert.Equal(t, 2, doc.Len())
}
