// Package document is a small conflict-free text log: a grow-only set of
// Lamport-stamped lines. A full state snapshot is itself a valid update,
// and applying updates is idempotent and commutative.
package document

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/Cowrite/internal/core"
	"github.com/fxamacker/cbor/v2"
)

var ErrEmptyUpdate = errors.New("empty update")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("document: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: 1 << 20}.DecMode()
	if err != nil {
		panic("document: cbor decoder: " + err.Error())
	}
}

type Entry struct {
	Replica string `cbor:"1,keyasint"`
	Seq     uint64 `cbor:"2,keyasint"`
	Lamport uint64 `cbor:"3,keyasint"`
	Text    string `cbor:"4,keyasint"`
}

type entryKey struct {
	replica string
	seq     uint64
}

type wireUpdate struct {
	Entries []Entry `cbor:"1,keyasint"`
}

type listener func(update []byte, origin core.Origin)

type Document struct {
	replica string

	mu        sync.Mutex
	seq       uint64
	lamport   uint64
	entries   map[entryKey]Entry
	listeners map[int]listener
	nextID    int
}

func New(replica string) *Document {
	return &Document{
		replica:   replica,
		entries:   make(map[entryKey]Entry),
		listeners: make(map[int]listener),
	}
}

// Append adds a line authored by this replica and emits it as a local update.
func (d *Document) Append(text string) error {
	d.mu.Lock()
	d.seq++
	d.lamport++
	e := Entry{Replica: d.replica, Seq: d.seq, Lamport: d.lamport, Text: text}
	d.entries[entryKey{e.Replica, e.Seq}] = e
	d.mu.Unlock()

	update, err := encMode.Marshal(wireUpdate{Entries: []Entry{e}})
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	d.emit(update, core.OriginLocal)
	return nil
}

// ApplyUpdate merges update. Listeners only hear about updates that added
// something new.
func (d *Document) ApplyUpdate(update []byte, origin core.Origin) error {
	if len(update) == 0 {
		return ErrEmptyUpdate
	}
	var u wireUpdate
	if err := decMode.Unmarshal(update, &u); err != nil {
		return fmt.Errorf("decode update: %w", err)
	}

	d.mu.Lock()
	added := 0
	for _, e := range u.Entries {
		k := entryKey{e.Replica, e.Seq}
		if _, ok := d.entries[k]; ok {
			continue
		}
		d.entries[k] = e
		if e.Lamport > d.lamport {
			d.lamport = e.Lamport
		}
		added++
	}
	d.mu.Unlock()

	if added > 0 {
		d.emit(update, origin)
	}
	return nil
}

func (d *Document) EncodeState() ([]byte, error) {
	return encMode.Marshal(wireUpdate{Entries: d.sorted()})
}

func (d *Document) OnUpdate(fn func(update []byte, origin core.Origin)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// Lines returns the text in causal-then-replica order.
func (d *Document) Lines() []string {
	entries := d.sorted()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Text
	}
	return out
}

func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *Document) sorted() []Entry {
	d.mu.Lock()
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Lamport != b.Lamport {
			return a.Lamport < b.Lamport
		}
		if a.Replica != b.Replica {
			return a.Replica < b.Replica
		}
		return a.Seq < b.Seq
	})
	return out
}

func (d *Document) emit(update []byte, origin core.Origin) {
	d.mu.Lock()
	fns := make([]listener, 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn(update, origin)
	}
}
