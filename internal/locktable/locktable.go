// Package locktable serializes work per product id inside a single process.
//
// Each key owns a one-slot gate. Holders of different keys never contend;
// holders of the same key run one after another. Blocked callers are queued
// on the gate channel, so a waiter cannot be starved by later arrivals.
package locktable

import (
	"context"
	"sync"
)

type gate struct {
	slot chan struct{}
	refs int // holder plus waiters
}

// Table maps product ids to exclusive gates
type Table struct {
	mu    sync.Mutex
	gates map[int64]*gate
}

// New creates an empty lock table
func New() *Table {
	return &Table{gates: make(map[int64]*gate)}
}

// Acquire blocks until the gate for key is free or ctx is done.
// On error the caller holds nothing and must not call Release.
func (t *Table) Acquire(ctx context.Context, key int64) error {
	t.mu.Lock()
	g, ok := t.gates[key]
	if !ok {
		g = &gate{slot: make(chan struct{}, 1)}
		t.gates[key] = g
	}
	g.refs++
	t.mu.Unlock()

	// a free gate wins over an already expired ctx
	select {
	case g.slot <- struct{}{}:
		return nil
	default:
	}

	select {
	case g.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		t.mu.Lock()
		t.unref(key, g)
		t.mu.Unlock()
		return ctx.Err()
	}
}

// Release frees the gate for key. Releasing a key that is not held is a no-op.
func (t *Table) Release(key int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.gates[key]
	if !ok {
		return
	}

	select {
	case <-g.slot:
	default:
		return
	}
	t.unref(key, g)
}

// Lock acquires the gate for key and returns a release func that is safe to call more than once
func (t *Table) Lock(ctx context.Context, key int64) (func(), error) {
	if err := t.Acquire(ctx, key); err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { t.Release(key) })
	}, nil
}

// InFlight returns the number of keys that are held or awaited
func (t *Table) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.gates)
}

// unref must be called with t.mu held
func (t *Table) unref(key int64, g *gate) {
	g.refs--
	if g.refs == 0 {
		delete(t.gates, key)
	}
}
