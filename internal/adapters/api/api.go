// Package api holds the directory wire format and the action dispatcher
// shared by the HTTP and WebSocket surfaces.
package api

import (
	"errors"
	"net/http"

	"github.com/dkeye/Cowrite/internal/app"
	"github.com/dkeye/Cowrite/internal/domain"
	"github.com/rs/zerolog/log"
)

type Action string

const (
	ActionCreateSession     Action = "create-session"
	ActionDeleteSession     Action = "delete-session"
	ActionJoinSession       Action = "join-session"
	ActionSubmitJoinRequest Action = "submit-join-request"
	ActionGetJoinRequests   Action = "get-join-requests"
	ActionSubmitAnswer      Action = "submit-answer"
	ActionGetAnswer         Action = "get-answer"
	ActionPollAnswer        Action = "poll-answer"
	ActionReplaceOffer      Action = "replace-offer"
)

var aliases = map[Action]Action{
	"submit-offer": ActionSubmitJoinRequest,
	"join":         ActionSubmitJoinRequest,
	"get-offers":   ActionGetJoinRequests,
}

// Canonical resolves legacy action names.
func (a Action) Canonical() Action {
	if c, ok := aliases[a]; ok {
		return c
	}
	return a
}

type Request struct {
	ID     string `json:"id,omitempty"`
	Action Action `json:"action"`
	Name   string `json:"name"`
	HostID string `json:"hostId,omitempty"`
	PeerID string `json:"peerId,omitempty"`
	Offer  string `json:"offer,omitempty"`
	Answer string `json:"answer,omitempty"`
}

type Response struct {
	ID       string               `json:"id,omitempty"`
	Success  bool                 `json:"success"`
	Reason   domain.Reason        `json:"reason,omitempty"`
	Error    string               `json:"error,omitempty"`
	Role     domain.Role          `json:"role,omitempty"`
	Protocol domain.Protocol      `json:"protocol,omitempty"`
	Offer    string               `json:"offer,omitempty"`
	Answer   string               `json:"answer,omitempty"`
	PeerID   string               `json:"peerId,omitempty"`
	Requests []domain.JoinRequest `json:"requests,omitempty"`
}

// Handler dispatches requests onto a Directory. Limiter may be nil.
type Handler struct {
	Dir     *app.Directory
	Limiter *app.RateLimiter
}

func NewHandler(dir *app.Directory, limiter *app.RateLimiter) *Handler {
	return &Handler{Dir: dir, Limiter: limiter}
}

// Handle runs req on behalf of client and returns the body plus an HTTP
// status hint.
func (h *Handler) Handle(client string, req Request) (Response, int) {
	resp, status := h.dispatch(client, req)
	resp.ID = req.ID
	return resp, status
}

func (h *Handler) dispatch(client string, req Request) (Response, int) {
	action := req.Action.Canonical()
	name, err := domain.ParseSessionName(req.Name)
	if err != nil {
		return Failure(domain.NewDirectoryError(domain.ReasonBadRequest, err.Error()))
	}
	host := domain.HostID(req.HostID)
	peer := domain.PeerID(req.PeerID)

	switch action {
	case ActionCreateSession:
		if !h.Limiter.Allow(client) {
			log.Warn().Str("module", "api").Str("client", client).Msg("create-session rate limited")
			return Failure(domain.ErrRateLimited)
		}
		if err := h.Dir.CreateSession(name, host, req.Offer); err != nil {
			return Failure(err)
		}
		return Response{Success: true}, http.StatusCreated

	case ActionDeleteSession:
		if err := h.Dir.DeleteSession(name, host); err != nil {
			return Failure(err)
		}
		return ok()

	case ActionJoinSession:
		res, err := h.Dir.JoinSession(name)
		if err != nil {
			return Failure(err)
		}
		return Response{Success: true, Role: res.Role, Protocol: res.Protocol, Offer: res.Offer}, http.StatusOK

	case ActionSubmitJoinRequest:
		if err := h.Dir.SubmitJoinRequest(name, peer, req.Offer); err != nil {
			return Failure(err)
		}
		return ok()

	case ActionGetJoinRequests:
		reqs, err := h.Dir.GetJoinRequests(name, host)
		if err != nil {
			return Failure(err)
		}
		return Response{Success: true, Requests: reqs}, http.StatusOK

	case ActionSubmitAnswer:
		if err := h.Dir.SubmitAnswer(name, peer, req.Answer); err != nil {
			return Failure(err)
		}
		return ok()

	case ActionGetAnswer:
		answer, found, err := h.Dir.GetAnswer(name, peer)
		if err != nil {
			return Failure(err)
		}
		resp := Response{Success: true}
		if found {
			resp.Answer, resp.PeerID = answer, string(peer)
		}
		return resp, http.StatusOK

	case ActionPollAnswer:
		a, err := h.Dir.PollAnswer(name, host)
		if err != nil {
			return Failure(err)
		}
		resp := Response{Success: true}
		if a != nil {
			resp.Answer, resp.PeerID = a.Answer, string(a.PeerID)
		}
		return resp, http.StatusOK

	case ActionReplaceOffer:
		if err := h.Dir.ReplaceOffer(name, host, req.Offer); err != nil {
			return Failure(err)
		}
		return ok()
	}
	return Failure(domain.NewDirectoryError(domain.ReasonBadRequest, "unknown action "+string(req.Action)))
}

func ok() (Response, int) { return Response{Success: true}, http.StatusOK }

// Failure renders err as a tagged failure body.
func Failure(err error) (Response, int) {
	reason, tagged := domain.ReasonOf(err)
	if !tagged {
		reason = domain.ReasonBadRequest
	}
	resp := Response{Success: false, Reason: reason}
	var de *domain.DirectoryError
	if errors.As(err, &de) && de.Detail != "" {
		resp.Error = de.Detail
	}
	return resp, StatusFor(reason)
}

func StatusFor(reason domain.Reason) int {
	switch reason {
	case domain.ReasonNotFound, domain.ReasonNotHost:
		return http.StatusNotFound
	case domain.ReasonNameTaken, domain.ReasonBusy:
		return http.StatusConflict
	case domain.ReasonRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusBadRequest
}

// Err turns a failed response back into the tagged error it stands for.
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	reason := r.Reason
	if reason == "" {
		reason = domain.ReasonBadRequest
	}
	return domain.NewDirectoryError(reason, r.Error)
}
