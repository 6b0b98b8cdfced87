package store

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory is the in-process backend: a single JSON tree guarded by a mutex,
// with synchronous fan-out to subscribers. It is the default backend for
// local runs and the one the tests exercise.
type Memory struct {
	mu     sync.Mutex
	root   map[string]any
	subs   map[int]*memorySub
	nextID int
}

type memorySub struct {
	mu     sync.Mutex
	closed bool
	segs   []string
	fn     func(json.RawMessage)
}

// deliver invokes fn unless the subscription has been torn down. The
// per-subscriber mutex is what makes unsubscribe synchronous: teardown
// grabs it, flips closed, and from that point no delivery can start.
func (s *memorySub) deliver(raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.fn(raw)
}

func (s *memorySub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func NewMemory() *Memory {
	return &Memory{
		root: map[string]any{},
		subs: map[int]*memorySub{},
	}
}

func (m *Memory) Write(ctx context.Context, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	normalized, err := normalize(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	setNode(m.root, segs, normalized)
	return m.notify(segs)
}

func (m *Memory) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	segs, err := splitPath(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := applyFields(m.root, segs, fields); err != nil {
		return err
	}
	return m.notify(segs)
}

func (m *Memory) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	segs, err := splitPath(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	removeNode(m.root, segs)
	return m.notify(segs)
}

func (m *Memory) ReadOnce(ctx context.Context, path string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return marshalNode(m.root, segs)
}

func (m *Memory) Subscribe(path string, fn func(json.RawMessage)) (func(), error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	sub := &memorySub{segs: segs, fn: fn}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = sub

	// Initial delivery with the current value, inside the lock so no
	// concurrent mutation can slip in between registration and delivery.
	raw, err := marshalNode(m.root, segs)
	if err != nil {
		delete(m.subs, id)
		m.mu.Unlock()
		return nil, err
	}
	sub.deliver(raw)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		sub.close()
	}, nil
}

// notify fans the changed subtrees out to every related subscriber.
// Called with m.mu held, which keeps deliveries ordered per subscriber.
func (m *Memory) notify(changed []string) error {
	for _, sub := range m.subs {
		if !isRelated(sub.segs, changed) {
			continue
		}
		raw, err := marshalNode(m.root, sub.segs)
		if err != nil {
			return err
		}
		sub.deliver(raw)
	}
	return nil
}
