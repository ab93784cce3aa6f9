package docstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. It backs tests and single-node runs.
type Memory struct {
	mu   sync.RWMutex
	cols map[string]map[string]*Document
	fan  *fanout
	now  func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		cols: make(map[string]map[string]*Document),
		fan:  newFanout(),
		now:  time.Now,
	}
}

func (m *Memory) Get(ctx context.Context, collection, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.cols[collection][id]
	if !ok {
		return nil, nil
	}
	cp := copyDoc(d)
	return &cp, nil
}

func (m *Memory) Set(ctx context.Context, collection, id string, fields Fields, merge bool) error {
	m.mu.Lock()
	col, ok := m.cols[collection]
	if !ok {
		col = make(map[string]*Document)
		m.cols[collection] = col
	}
	d, exists := col[id]
	switch {
	case !exists:
		col[id] = &Document{Collection: collection, ID: id, Fields: fields.clone(), Version: 1, UpdatedAt: m.now()}
	case merge:
		for k, v := range fields {
			d.Fields[k] = append([]byte(nil), v...)
		}
		d.Version++
		d.UpdatedAt = m.now()
	default:
		d.Fields = fields.clone()
		d.Version++
		d.UpdatedAt = m.now()
	}
	m.mu.Unlock()
	m.fan.notify(ctx, collection, m.load)
	return nil
}

func (m *Memory) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	id := uuid.New().String()
	if err := m.Set(ctx, collection, id, fields, false); err != nil {
		return "", err
	}
	return id, nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string, ifVersion int64) error {
	m.mu.Lock()
	d, ok := m.cols[collection][id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if ifVersion != 0 && d.Version != ifVersion {
		m.mu.Unlock()
		return ErrConflict
	}
	delete(m.cols[collection], id)
	m.mu.Unlock()
	m.fan.notify(ctx, collection, m.load)
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, collection string) (*Subscription, error) {
	return m.fan.subscribe(ctx, collection, m.load)
}

func (m *Memory) Close() error {
	m.fan.closeAll()
	return nil
}

func (m *Memory) load(_ context.Context, collection string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Document, 0, len(m.cols[collection]))
	for _, d := range m.cols[collection] {
		out = append(out, copyDoc(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func copyDoc(d *Document) Document {
	cp := *d
	cp.Fields = d.Fields.clone()
	return cp
}
