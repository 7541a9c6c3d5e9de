package core

import (
	"context"

	"github.com/dkeye/Cowrite/internal/domain"
)

// Directory is the client view of the session directory. Every failure the
// directory itself reports is a *domain.DirectoryError; anything else is a
// transport problem (network, decoding).
type Directory interface {
	CreateSession(ctx context.Context, name domain.SessionName, host domain.HostID, offer string) error
	DeleteSession(ctx context.Context, name domain.SessionName, host domain.HostID) error
	JoinSession(ctx context.Context, name domain.SessionName) (domain.JoinResult, error)

	// queue model
	SubmitJoinRequest(ctx context.Context, name domain.SessionName, peer domain.PeerID, offer string) error
	GetJoinRequests(ctx context.Context, name domain.SessionName, host domain.HostID) ([]domain.JoinRequest, error)
	GetAnswer(ctx context.Context, name domain.SessionName, peer domain.PeerID) (string, bool, error)

	// single-offer model
	PollAnswer(ctx context.Context, name domain.SessionName, host domain.HostID) (*domain.Answer, error)
	ReplaceOffer(ctx context.Context, name domain.SessionName, host domain.HostID, offer string) error

	SubmitAnswer(ctx context.Context, name domain.SessionName, peer domain.PeerID, answer string) error
}

// Handshake pairs a connection with the blob the other side needs.
type Handshake struct {
	Conn Connection
	Blob string
}

// Transport produces and consumes opaque handshake blobs.
type Transport interface {
	CreateOffer(ctx context.Context) (*Handshake, error)
	AcceptOffer(ctx context.Context, offer string) (*Handshake, error)
	AcceptAnswer(conn Connection, answer string) error
}

// PublishResult reports fan-out of a broadcast.
type PublishResult struct {
	SentTo  int
	Dropped []domain.PeerID
}
