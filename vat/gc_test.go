package vat

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// GC drain classification and ordering
// ---------------------------------------------------------------------------

func TestGCListsSortedAndDuplicateFree(t *testing.T) {
	var held []any
	tv := newTestVat(t, Config{}, func(p *Powers) Invoker {
		return InvokerFunc(func(method string, args []any) (any, error) {
			switch method {
			case "store":
				for _, a := range args {
					held = append(held, a)
					p.Retain(a)
				}
			case "forget":
				for _, a := range held {
					p.Drop(a)
				}
				held = nil
			}
			return nil, nil
		})
	})

	args := kernelData(t, []any{kslot{"o-7", "a"}, kslot{"o-2", "b"}, kslot{"o-10", "c"}})
	tv.dispatch(MessageDelivery(RootSlot, "store", args, ""))
	tv.dispatch(MessageDelivery(RootSlot, "forget", kernelData(t, []any{}), ""))

	drops := tv.sc.byOp("dropImports")
	if len(drops) != 1 {
		t.Fatalf("dropImports batches = %d, want 1", len(drops))
	}
	want := []string{"o-10", "o-2", "o-7"}
	if len(drops[0].vrefs) != 3 {
		t.Fatalf("dropImports = %v, want %v", drops[0].vrefs, want)
	}
	for i, v := range want {
		if drops[0].vrefs[i] != v {
			t.Fatalf("dropImports = %v, want sorted %v", drops[0].vrefs, want)
		}
	}
	seen := make(map[string]bool)
	for _, v := range drops[0].vrefs {
		if seen[v] {
			t.Fatalf("dropImports has duplicate %s", v)
		}
		seen[v] = true
	}
}

func TestRecognizableImportDroppedButNotRetired(t *testing.T) {
	tv := newTestVat(t, Config{}, func(p *Powers) Invoker {
		var ws *WeakSet
		var held any
		return InvokerFunc(func(method string, args []any) (any, error) {
			switch method {
			case "store":
				held = args[0]
				ws = p.NewWeakSet()
				ws.Add(held)
				p.Retain(held)
			case "forget":
				p.Drop(held)
				held = nil
			case "check":
				if ws.Has(held) {
					return nil, errors.New("retired key still recognized")
				}
			}
			return nil, nil
		})
	})

	tv.dispatch(MessageDelivery(RootSlot, "store", kernelData(t, []any{kslot{"o-4", "thing"}}), ""))
	tv.sc.reset()
	tv.dispatch(MessageDelivery(RootSlot, "forget", kernelData(t, []any{}), ""))

	if drops := tv.sc.byOp("dropImports"); len(drops) != 1 || drops[0].vrefs[0] != "o-4" {
		t.Fatalf("dropImports = %v, want [[o-4]]", drops)
	}
	if retires := tv.sc.byOp("retireImports"); len(retires) != 0 {
		t.Fatalf("recognizable import was retired: %v", retires)
	}

	// The kernel later retires the import; the weak set forgets it.
	tv.dispatch(RetireImportsDelivery("o-4"))
	if len(tv.ls.recognizers["o-4"]) != 0 {
		t.Fatalf("recognizers survive kernel retireImports")
	}
}

// fakeVirtualStore drives the drain-iteration contract: a dropped
// representative signals more work, and the next round surfaces an import
// the store released.
type fakeVirtualStore struct {
	rep      *Remotable
	released []string
	dropped  bool
}

func (f *fakeVirtualStore) Materialize(slot string) (any, error) { return f.rep, nil }
func (f *fakeVirtualStore) Touch(string)                         {}
func (f *fakeVirtualStore) Reachable(slot string) bool           { return false }
func (f *fakeVirtualStore) Recognizable(string) bool             { return false }
func (f *fakeVirtualStore) DroppedRepresentative(string) bool {
	f.dropped = true
	return true
}
func (f *fakeVirtualStore) DropExport(string) {}
func (f *fakeVirtualStore) TakeDeadImports() []string {
	if !f.dropped {
		return nil
	}
	out := f.released
	f.released = nil
	return out
}
func (f *fakeVirtualStore) RetireRecognizers(string) {}

func TestDrainIteratesWhileStoreReportsWork(t *testing.T) {
	vom := &fakeVirtualStore{
		rep:      NewRemotable("rep", InvokerFunc(func(string, []any) (any, error) { return nil, nil })),
		released: []string{"o-33"},
	}
	sc := newFakeSyscall()
	ls, err := New(sc, Options{VirtualStore: vom}, func(p *Powers) Invoker {
		return InvokerFunc(func(string, []any) (any, error) { return nil, nil })
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Deliver a message to a virtual target; the transient representative
	// dies with the crank, and the store then releases o-33.
	if err := ls.Dispatch(t.Context(), MessageDelivery("o+v5", "touch", kernelData(t, []any{}), "")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	drops := sc.byOp("dropImports")
	if len(drops) != 1 || len(drops[0].vrefs) != 1 || drops[0].vrefs[0] != "o-33" {
		t.Fatalf("dropImports = %v, want [[o-33]] from the second drain round", drops)
	}
}

func TestGCDrainLimitStopsIteration(t *testing.T) {
	vom := &fakeVirtualStore{
		rep: NewRemotable("rep", InvokerFunc(func(string, []any) (any, error) { return nil, nil })),
	}
	// A store that always reports more work must not hang the crank when
	// a drain limit is configured.
	sc := newFakeSyscall()
	ls, err := New(sc, Options{Config: Config{GCDrainLimit: 3}, VirtualStore: alwaysMoreStore{vom}}, func(p *Powers) Invoker {
		return InvokerFunc(func(string, []any) (any, error) { return nil, nil })
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ls.Dispatch(t.Context(), MessageDelivery("o+v5", "touch", kernelData(t, []any{}), "")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if drops := sc.byOp("dropImports"); len(drops) > 3 {
		t.Fatalf("drain ran %d rounds past its limit", len(drops))
	}
}

// alwaysMoreStore feeds the drain the same released import forever,
// modelling a store that never converges.
type alwaysMoreStore struct {
	*fakeVirtualStore
}

func (alwaysMoreStore) TakeDeadImports() []string { return []string{"o-66"} }
