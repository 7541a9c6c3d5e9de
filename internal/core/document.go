package core

import "context"

type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

// Document is the replicated document engine. Merge semantics are its own
// business; the relay only moves bytes.
type Document interface {
	ApplyUpdate(update []byte, origin Origin) error
	EncodeState() ([]byte, error)
	// OnUpdate registers fn for every applied update and returns a cancel func.
	OnUpdate(fn func(update []byte, origin Origin)) func()
}

type SnapshotStore interface {
	Save(ctx context.Context, key string, snapshot []byte) error
}
