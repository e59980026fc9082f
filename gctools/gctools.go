// Package gctools supplies the weak-reference and finalization facade the
// slot registry builds on: weak cells whose upgrade may fail, a finalizer
// registry whose callbacks are drained between turns, and a forced
// collect-and-finalize pass.
//
// Collection is simulated with registry-owned cells and explicit hold
// counts rather than the Go runtime's collector, so sweeps are
// deterministic: a cell's strong pointer is severed during GCAndFinalize
// once its target's hold count has reached zero.
package gctools

import (
	"sort"
	"sync"
)

// Cell is a weak slot: an indirection whose strong pointer is severed when
// the referent becomes unreachable. Deref reports whether the referent is
// still alive.
type Cell struct {
	mu     sync.Mutex
	target any
}

// Deref returns the referent, or (nil, false) once it has been collected.
func (c *Cell) Deref() (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.target == nil {
		return nil, false
	}
	return c.target, true
}

// clear severs the strong pointer and returns the old target for
// finalization purposes.
func (c *Cell) clear() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.target
	c.target = nil
	return old
}

// Finalization is one queued finalizer notification: the token the cell was
// registered under, plus the value that was collected. The value is handed
// back so the owner can scrub identity-keyed tables.
type Finalization struct {
	Token string
	Val   any
}

// Tools is the facade instance owned by one vat.
type Tools struct {
	mu          sync.Mutex
	holds       map[any]int
	cells       map[string]*Cell
	finalizable map[string]bool
	pending     []Finalization
	quiesce     func()
}

// New creates an empty facade.
func New() *Tools {
	return &Tools{
		holds:       make(map[any]int),
		cells:       make(map[string]*Cell),
		finalizable: make(map[string]bool),
	}
}

// SetQuiescence installs the hook WaitUntilQuiescent delegates to. The vat
// wires this to its microtask queue drain.
func (t *Tools) SetQuiescence(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.quiesce = fn
}

// WaitUntilQuiescent returns once the vat's task queue is empty and no
// user work is in flight.
func (t *Tools) WaitUntilQuiescent() {
	t.mu.Lock()
	fn := t.quiesce
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// NewCell registers a fresh cell for v under token, replacing any earlier
// (possibly dead) cell for the same token.
func (t *Tools) NewCell(token string, v any) *Cell {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &Cell{target: v}
	t.cells[token] = c
	return c
}

// DropCell unregisters the cell and finalizer for token, if any. Used when
// a vref is retired explicitly rather than collected.
func (t *Tools) DropCell(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cells, token)
	delete(t.finalizable, token)
}

// RegisterFinalizer arranges for token to be queued when its cell's target
// is collected.
func (t *Tools) RegisterFinalizer(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finalizable[token] = true
}

// UnregisterFinalizer cancels a pending finalizer registration. Already
// queued notifications are not recalled; owners must tolerate stale ones.
func (t *Tools) UnregisterFinalizer(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.finalizable, token)
}

// Hold adds one strong hold on v, keeping it alive across sweeps.
func (t *Tools) Hold(v any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.holds[v]++
}

// Release removes one hold on v. Releasing the last hold makes v eligible
// for the next sweep; it does not collect v immediately.
func (t *Tools) Release(v any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.holds[v]
	switch {
	case n <= 1:
		delete(t.holds, v)
	default:
		t.holds[v] = n - 1
	}
}

// HoldCount returns the current hold count for v.
func (t *Tools) HoldCount(v any) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.holds[v]
}

// Forget drops any hold bookkeeping for v without sweeping it. Used when a
// value's vref is retired and the value leaves the registry's purview.
func (t *Tools) Forget(v any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.holds, v)
}

// GCAndFinalize forces a collection pass and returns the queued finalizer
// notifications, including any left over from earlier passes. Cells whose
// targets have no holds are severed in token order; severed cells with a
// registered finalizer enqueue a notification.
func (t *Tools) GCAndFinalize() []Finalization {
	t.mu.Lock()
	defer t.mu.Unlock()

	tokens := make([]string, 0, len(t.cells))
	for token := range t.cells {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	for _, token := range tokens {
		c := t.cells[token]
		v, ok := c.Deref()
		if !ok {
			continue
		}
		if t.holds[v] > 0 {
			continue
		}
		old := c.clear()
		delete(t.cells, token)
		if t.finalizable[token] {
			delete(t.finalizable, token)
			t.pending = append(t.pending, Finalization{Token: token, Val: old})
		}
	}

	out := t.pending
	t.pending = nil
	return out
}
