// Package domain contains entities without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const MaxSessionNameLen = 64

var (
	ErrSessionNameEmpty   = errors.New("session name empty")
	ErrSessionNameTooLong = errors.New("session name too long")
)

type (
	SessionName string
	HostID      string
)

// ParseSessionName trims surrounding blanks and validates the length.
func ParseSessionName(raw string) (SessionName, error) {
	name := strings.TrimSpace(raw)
	if len(name) == 0 {
		return "", ErrSessionNameEmpty
	}
	if len(name) > MaxSessionNameLen {
		return "", ErrSessionNameTooLong
	}
	return SessionName(name), nil
}

func NewHostID() HostID { return HostID(uuid.NewString()) }

type Role string

const (
	RoleNone   Role = ""
	RoleHost   Role = "host"
	RoleJoiner Role = "joiner"
)

// Protocol is fixed when a session is created; the two never mix on one session.
type Protocol string

const (
	ProtocolSingleOffer Protocol = "single-offer"
	ProtocolQueue       Protocol = "queue"
)

func (p Protocol) Valid() bool {
	return p == ProtocolSingleOffer || p == ProtocolQueue
}

// JoinResult is what join-session hands back. Offer is set only for a
// single-offer joiner.
type JoinResult struct {
	Role     Role
	Protocol Protocol
	Offer    string
}

type JoinRequest struct {
	PeerID PeerID `json:"peerId"`
	Offer  string `json:"offer"`
}

type Answer struct {
	PeerID PeerID `json:"peerId"`
	Answer string `json:"answer"`
}
