// Package directory provides core.Directory clients: over HTTP, over a
// WebSocket, and in-process.
package directory

import (
	"context"

	"github.com/dkeye/Cowrite/internal/adapters/api"
	"github.com/dkeye/Cowrite/internal/domain"
)

type caller interface {
	call(ctx context.Context, req api.Request) (api.Response, error)
}

// client maps core.Directory onto action-addressed requests. Failures are
// decided by the body's success flag, never by a status code.
type client struct {
	rt caller
}

func (c *client) do(ctx context.Context, req api.Request) (api.Response, error) {
	resp, err := c.rt.call(ctx, req)
	if err != nil {
		return api.Response{}, err
	}
	if err := resp.Err(); err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *client) CreateSession(ctx context.Context, name domain.SessionName, host domain.HostID, offer string) error {
	_, err := c.do(ctx, api.Request{Action: api.ActionCreateSession, Name: string(name), HostID: string(host), Offer: offer})
	return err
}

func (c *client) DeleteSession(ctx context.Context, name domain.SessionName, host domain.HostID) error {
	_, err := c.do(ctx, api.Request{Action: api.ActionDeleteSession, Name: string(name), HostID: string(host)})
	return err
}

func (c *client) JoinSession(ctx context.Context, name domain.SessionName) (domain.JoinResult, error) {
	resp, err := c.do(ctx, api.Request{Action: api.ActionJoinSession, Name: string(name)})
	if err != nil {
		return domain.JoinResult{}, err
	}
	return domain.JoinResult{Role: resp.Role, Protocol: resp.Protocol, Offer: resp.Offer}, nil
}

func (c *client) SubmitJoinRequest(ctx context.Context, name domain.SessionName, peer domain.PeerID, offer string) error {
	_, err := c.do(ctx, api.Request{Action: api.ActionSubmitJoinRequest, Name: string(name), PeerID: string(peer), Offer: offer})
	return err
}

func (c *client) GetJoinRequests(ctx context.Context, name domain.SessionName, host domain.HostID) ([]domain.JoinRequest, error) {
	resp, err := c.do(ctx, api.Request{Action: api.ActionGetJoinRequests, Name: string(name), HostID: string(host)})
	if err != nil {
		return nil, err
	}
	return resp.Requests, nil
}

func (c *client) SubmitAnswer(ctx context.Context, name domain.SessionName, peer domain.PeerID, answer string) error {
	_, err := c.do(ctx, api.Request{Action: api.ActionSubmitAnswer, Name: string(name), PeerID: string(peer), Answer: answer})
	return err
}

func (c *client) GetAnswer(ctx context.Context, name domain.SessionName, peer domain.PeerID) (string, bool, error) {
	resp, err := c.do(ctx, api.Request{Action: api.ActionGetAnswer, Name: string(name), PeerID: string(peer)})
	if err != nil {
		return "", false, err
	}
	return resp.Answer, resp.Answer != "", nil
}

func (c *client) PollAnswer(ctx context.Context, name domain.SessionName, host domain.HostID) (*domain.Answer, error) {
	resp, err := c.do(ctx, api.Request{Action: api.ActionPollAnswer, Name: string(name), HostID: string(host)})
	if err != nil {
		return nil, err
	}
	if resp.Answer == "" {
		return nil, nil
	}
	return &domain.Answer{PeerID: domain.PeerID(resp.PeerID), Answer: resp.Answer}, nil
}

func (c *client) ReplaceOffer(ctx context.Context, name domain.SessionName, host domain.HostID, offer string) error {
	_, err := c.do(ctx, api.Request{Action: api.ActionReplaceOffer, Name: string(name), HostID: string(host), Offer: offer})
	return err
}
