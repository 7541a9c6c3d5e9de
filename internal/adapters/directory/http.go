package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/dkeye/Cowrite/internal/adapters/api"
)

type HTTP struct {
	client
}

type httpCaller struct {
	url string
	hc  *http.Client
}

// NewHTTP posts every request to url (the /api/signal endpoint). hc may be
// nil; the default client keeps the directory's session cookie so the
// server can tell this caller apart from others behind the same address.
func NewHTTP(url string, hc *http.Client) *HTTP {
	if hc == nil {
		jar, _ := cookiejar.New(nil)
		hc = &http.Client{Timeout: 10 * time.Second, Jar: jar}
	}
	return &HTTP{client{rt: &httpCaller{url: url, hc: hc}}}
}

func (h *httpCaller) call(ctx context.Context, req api.Request) (api.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return api.Response{}, fmt.Errorf("encode %s: %w", req.Action, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return api.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := h.hc.Do(httpReq)
	if err != nil {
		return api.Response{}, fmt.Errorf("%s: %w", req.Action, err)
	}
	defer res.Body.Close()

	var resp api.Response
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return api.Response{}, fmt.Errorf("%s: decode response (status %d): %w", req.Action, res.StatusCode, err)
	}
	return resp, nil
}
