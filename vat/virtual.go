package vat

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/vatkit/liveslots/capdata"
)

// ---------------------------------------------------------------------------
// Virtual objects: paged-out state with transient representatives
// ---------------------------------------------------------------------------

// VirtualStore is the liveslots-facing contract of the virtual-object
// store. The GC engine consults it to classify dead vrefs, and the slot
// registry uses it to re-materialize representatives.
type VirtualStore interface {
	// Materialize builds a fresh transient representative for a virtual
	// vref whose canonical state is paged out.
	Materialize(slot string) (any, error)
	// Touch notes a cache hit so user code cannot detect reanimation.
	Touch(slot string)
	// Reachable reports whether virtualized state still references the
	// given import.
	Reachable(slot string) bool
	// Recognizable reports whether virtualized weak state can still
	// recognize the given import.
	Recognizable(slot string) bool
	// DroppedRepresentative records that a representative was collected;
	// the return value signals further GC work.
	DroppedRepresentative(slot string) bool
	// DropExport releases the export status of a virtual vref.
	DropExport(slot string)
	// TakeDeadImports returns imports whose virtual reference count hit
	// zero since the last call.
	TakeDeadImports() []string
	// RetireRecognizers discards weak-state recognition of a retired
	// import.
	RetireRecognizers(slot string)
}

// noVirtualStore is the default for vats that define no kinds.
type noVirtualStore struct{}

func (noVirtualStore) Materialize(slot string) (any, error) {
	return nil, fmt.Errorf("no virtual-object store: cannot materialize %s", slot)
}
func (noVirtualStore) Touch(string)                      {}
func (noVirtualStore) Reachable(string) bool             { return false }
func (noVirtualStore) Recognizable(string) bool          { return false }
func (noVirtualStore) DroppedRepresentative(string) bool { return false }
func (noVirtualStore) DropExport(string)                 {}
func (noVirtualStore) TakeDeadImports() []string         { return nil }
func (noVirtualStore) RetireRecognizers(string)          {}

// ---------------------------------------------------------------------------
// KindManager: a vatstore-backed virtual-object store
// ---------------------------------------------------------------------------

// KindManager pages virtual-object state through the kernel vatstore.
// State cells are serialized capdata; capability references held by state
// are reference-counted so the GC engine can tell which imports remain
// reachable only through paged-out state.
type KindManager struct {
	ls       *Liveslots
	kinds    map[string]*Kind
	exported map[string]bool
	dead     []string
}

func newKindManager(ls *Liveslots) *KindManager {
	return &KindManager{
		ls:       ls,
		kinds:    make(map[string]*Kind),
		exported: make(map[string]bool),
	}
}

// Kind is a defined virtual-object shape: a name plus a behavior builder
// invoked per materialized representative.
type Kind struct {
	m      *KindManager
	name   string
	behave func(st *VirtualState) Invoker
}

// MakeKind defines (or redefines, across representative generations) a
// virtual-object kind.
func (m *KindManager) MakeKind(name string, behave func(st *VirtualState) Invoker) *Kind {
	k := &Kind{m: m, name: name, behave: behave}
	m.kinds[name] = k
	return k
}

// New instantiates a virtual object with the given initial state and
// returns its transient representative.
func (k *Kind) New(initial map[string]any) (*Representative, error) {
	m := k.m
	ls := m.ls
	slot := ls.allocVirtualSlot()
	ls.sc.VatstoreSet(vomKindKey(slot), k.name)
	keys := make([]string, 0, len(initial))
	for key := range initial {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	st := &VirtualState{m: m, slot: slot}
	for _, key := range keys {
		if err := st.Set(key, initial[key]); err != nil {
			return nil, err
		}
	}
	rep := &Representative{m: m, slot: slot, kind: k}
	ls.registerValue(slot, rep, true)
	ls.holdForCrank(rep)
	return rep, nil
}

// Materialize rebuilds a representative from paged-out state.
func (m *KindManager) Materialize(slot string) (any, error) {
	name, ok := m.ls.sc.VatstoreGet(vomKindKey(slot))
	if !ok {
		return nil, fmt.Errorf("virtual object %s has no stored kind", slot)
	}
	k, ok := m.kinds[name]
	if !ok {
		return nil, fmt.Errorf("virtual object %s has undefined kind %q", slot, name)
	}
	return &Representative{m: m, slot: slot, kind: k}, nil
}

func (m *KindManager) Touch(string) {}

func (m *KindManager) Reachable(slot string) bool {
	return m.refcount(slot) > 0
}

// Recognizable always reports false: weak-collection recognition lives at
// the vat level, not in paged state.
func (m *KindManager) Recognizable(string) bool { return false }

// DroppedRepresentative is a refcount check only; canonical state
// persists, so collecting a representative releases nothing by itself.
func (m *KindManager) DroppedRepresentative(string) bool { return false }

func (m *KindManager) DropExport(slot string) {
	delete(m.exported, slot)
}

func (m *KindManager) TakeDeadImports() []string {
	d := m.dead
	m.dead = nil
	return d
}

func (m *KindManager) RetireRecognizers(string) {}

// ---------------------------------------------------------------------------
// State cells and refcounts
// ---------------------------------------------------------------------------

// VirtualState is the keyed state accessor representatives close over.
// Values round-trip through the capdata codec, so state may hold
// capability references; those are refcounted on write.
type VirtualState struct {
	m    *KindManager
	slot string
}

// Get reads one state cell. Absent cells read as (nil, false, nil).
func (s *VirtualState) Get(key string) (any, bool, error) {
	raw, ok := s.m.ls.sc.VatstoreGet(vomStateKey(s.slot, key))
	if !ok {
		return nil, false, nil
	}
	cd, err := capdata.Decode(raw)
	if err != nil {
		return nil, false, fmt.Errorf("state %s.%s: %w", s.slot, key, err)
	}
	v, err := s.m.ls.unmarshal(cd)
	if err != nil {
		return nil, false, fmt.Errorf("state %s.%s: %w", s.slot, key, err)
	}
	return v, true, nil
}

// Set writes one state cell, adjusting reference counts for capability
// slots entering and leaving the cell.
func (s *VirtualState) Set(key string, v any) error {
	ls := s.m.ls
	cd, err := ls.marshal(v)
	if err != nil {
		return fmt.Errorf("state %s.%s: %w", s.slot, key, err)
	}
	var oldSlots []string
	if raw, ok := ls.sc.VatstoreGet(vomStateKey(s.slot, key)); ok {
		if old, derr := capdata.Decode(raw); derr == nil {
			oldSlots = old.Slots
		}
	}
	enc, err := capdata.Encode(cd)
	if err != nil {
		return fmt.Errorf("state %s.%s: %w", s.slot, key, err)
	}
	ls.sc.VatstoreSet(vomStateKey(s.slot, key), enc)
	for _, ref := range cd.Slots {
		s.m.incRef(ref)
	}
	for _, ref := range oldSlots {
		s.m.decRef(ref)
	}
	return nil
}

// Delete removes one state cell, releasing its capability references.
func (s *VirtualState) Delete(key string) {
	ls := s.m.ls
	if raw, ok := ls.sc.VatstoreGet(vomStateKey(s.slot, key)); ok {
		if old, err := capdata.Decode(raw); err == nil {
			for _, ref := range old.Slots {
				s.m.decRef(ref)
			}
		}
	}
	ls.sc.VatstoreDelete(vomStateKey(s.slot, key))
}

func (m *KindManager) refcount(slot string) int {
	raw, ok := m.ls.sc.VatstoreGet(vomRefKey(slot))
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		logVat.Errorf("corrupt refcount for %s: %q", slot, raw)
		return 0
	}
	return n
}

func (m *KindManager) incRef(slot string) {
	if !countedRef(slot) {
		return
	}
	m.ls.sc.VatstoreSet(vomRefKey(slot), strconv.Itoa(m.refcount(slot)+1))
}

func (m *KindManager) decRef(slot string) {
	if !countedRef(slot) {
		return
	}
	n := m.refcount(slot) - 1
	if n > 0 {
		m.ls.sc.VatstoreSet(vomRefKey(slot), strconv.Itoa(n))
		return
	}
	m.ls.sc.VatstoreDelete(vomRefKey(slot))
	if vr, err := ParseVref(slot); err == nil && vr.Kernel && vr.Type == ObjectRef {
		m.dead = append(m.dead, slot)
	}
}

// countedRef limits refcounting to object references; copy-data and
// promises do not pin anything through paged state.
func countedRef(slot string) bool {
	return len(slot) > 0 && slot[0] == 'o'
}

func vomKindKey(slot string) string       { return "vom.kind." + slot }
func vomRefKey(slot string) string        { return "vom.rc." + slot }
func vomStateKey(slot, key string) string { return "vom.s." + slot + "." + key }

// Representative is the transient in-vat handle for a virtual object. Its
// canonical state lives in the vatstore; collecting a representative loses
// nothing.
type Representative struct {
	m    *KindManager
	slot string
	kind *Kind
}

func (r *Representative) PassByCapability() string { return r.kind.name }

// Slot returns the virtual vref.
func (r *Representative) Slot() string { return r.slot }

// State returns the keyed state accessor for this virtual object.
func (r *Representative) State() *VirtualState {
	return &VirtualState{m: r.m, slot: r.slot}
}

func (r *Representative) Invoke(method string, args []any) (any, error) {
	return r.kind.behave(r.State()).Invoke(method, args)
}
