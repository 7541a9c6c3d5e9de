package domain

import "github.com/google/uuid"

type PeerID string

// HostPeerID is the id a joiner files its single upstream connection under.
const HostPeerID PeerID = "host"

func NewPeerID() PeerID { return PeerID(uuid.NewString()) }

type PeerStatus string

const (
	PeerConnecting   PeerStatus = "connecting"
	PeerConnected    PeerStatus = "connected"
	PeerDisconnected PeerStatus = "disconnected"
)
