// Package docstore is the remote document store the game state lives in:
// flat collections of JSON documents with upsert, field-level merge,
// versioned deletes and live collection subscriptions.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrConflict = errors.New("document version conflict")
)

// Fields is the top-level field set of a document. Merging replaces whole
// top-level fields.
type Fields map[string]json.RawMessage

// Encode turns a JSON-object-shaped value into Fields.
func Encode(v any) (Fields, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var f Fields
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return f, nil
}

func (f Fields) clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

type Document struct {
	Collection string
	ID         string
	Fields     Fields
	Version    int64
	UpdatedAt  time.Time
}

func (d *Document) Decode(v any) error {
	b, err := json.Marshal(d.Fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Snapshot is the full content of a collection at one point in time.
type Snapshot struct {
	Collection string
	Docs       []Document
}

type Store interface {
	// Get returns nil, nil when the document does not exist.
	Get(ctx context.Context, collection, id string) (*Document, error)
	Set(ctx context.Context, collection, id string, fields Fields, merge bool) error
	Add(ctx context.Context, collection string, fields Fields) (string, error)
	// Delete removes a document. A non-zero ifVersion makes the delete
	// conditional: ErrConflict if the stored version differs.
	Delete(ctx context.Context, collection, id string, ifVersion int64) error
	// Subscribe delivers the current snapshot of collection, then a new
	// snapshot after every change, until ctx ends or the subscription is
	// closed.
	Subscribe(ctx context.Context, collection string) (*Subscription, error)
	Close() error
}

// ── Subscriptions ────────────────────────────────────

type Subscription struct {
	C <-chan Snapshot

	once   sync.Once
	cancel func()
}

func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// deliver keeps only the newest snapshot when a subscriber lags behind.
func deliver(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

// fanout publishes in-process change notifications. Snapshots are taken
// under the fanout lock so subscribers never see an older state after a
// newer one.
type fanout struct {
	mu   sync.Mutex
	subs map[string]map[chan Snapshot]struct{}
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string]map[chan Snapshot]struct{})}
}

type loadFunc func(ctx context.Context, collection string) ([]Document, error)

func (f *fanout) subscribe(ctx context.Context, collection string, load loadFunc) (*Subscription, error) {
	ch := make(chan Snapshot, 1)

	f.mu.Lock()
	docs, err := load(ctx, collection)
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	room, ok := f.subs[collection]
	if !ok {
		room = make(map[chan Snapshot]struct{})
		f.subs[collection] = room
	}
	room[ch] = struct{}{}
	ch <- Snapshot{Collection: collection, Docs: docs}
	f.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{C: ch}
	sub.cancel = func() {
		cancel()
		f.mu.Lock()
		defer f.mu.Unlock()
		if room, ok := f.subs[collection]; ok {
			if _, ok := room[ch]; ok {
				delete(room, ch)
				close(ch)
			}
			if len(room) == 0 {
				delete(f.subs, collection)
			}
		}
	}
	go func() {
		<-subCtx.Done()
		sub.Close()
	}()
	return sub, nil
}

// notify pushes a fresh snapshot to subscribers of collection. It runs
// after the write has committed, so a failed reload is logged and the
// write still counts as done.
func (f *fanout) notify(ctx context.Context, collection string, load loadFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room := f.subs[collection]
	if len(room) == 0 {
		return
	}
	docs, err := load(ctx, collection)
	if err != nil {
		log.Printf("[docstore] notify %s: %v", collection, err)
		return
	}
	snap := Snapshot{Collection: collection, Docs: docs}
	for ch := range room {
		deliver(ch, snap)
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for col, room := range f.subs {
		for ch := range room {
			close(ch)
		}
		delete(f.subs, col)
	}
}
