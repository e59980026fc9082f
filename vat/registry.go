package vat

import (
	"fmt"

	"github.com/vatkit/liveslots/capdata"
)

// ---------------------------------------------------------------------------
// Slot registry: the bidirectional value <-> vref mapping
// ---------------------------------------------------------------------------

// getSlotForVal returns the vref registered for v, if any.
func (ls *Liveslots) getSlotForVal(v any) (string, bool) {
	slot, ok := ls.valToSlot[v]
	return slot, ok
}

// getValForSlot returns the live value registered for slot. A severed weak
// cell reads as absent.
func (ls *Liveslots) getValForSlot(slot string) (any, bool) {
	cell, ok := ls.slotToVal[slot]
	if !ok {
		return nil, false
	}
	return cell.Deref()
}

// registerValue installs the bidirectional mapping for slot. Exported and
// imported objects additionally register a finalizer so post-drop
// collection is observable. Registration revives a vref out of the dead
// set: re-introduction jumps the lifecycle back to REACHABLE.
func (ls *Liveslots) registerValue(slot string, v any, finalize bool) {
	ls.valToSlot[v] = slot
	ls.slotToVal[slot] = ls.tools.NewCell(slot, v)
	if finalize {
		ls.tools.RegisterFinalizer(slot)
	}
	delete(ls.deadSet, slot)
}

// allocObjectSlot allocates a fresh vat object vref. Counters are
// monotonic and never reused within a vat lifetime; the root export holds
// id 0.
func (ls *Liveslots) allocObjectSlot() string {
	id := ls.nextObjectID
	ls.nextObjectID++
	return Vref{Type: ObjectRef, ID: id}.String()
}

func (ls *Liveslots) allocVirtualSlot() string {
	id := ls.nextObjectID
	ls.nextObjectID++
	return Vref{Type: ObjectRef, Virtual: true, ID: id}.String()
}

func (ls *Liveslots) allocPromiseSlot() string {
	id := ls.nextPromiseID
	ls.nextPromiseID++
	return Vref{Type: PromiseRef, ID: id}.String()
}

// pinPromise holds an exposed unresolved promise strongly until it is
// retired.
func (ls *Liveslots) pinPromise(slot string, p *Promise) {
	if _, ok := ls.pendingPromises[slot]; ok {
		return
	}
	ls.pendingPromises[slot] = p
	ls.tools.Hold(p)
}

// convertValToSlot returns the vref for v, allocating one on first export.
// It is the serializer's outbound callback.
func (ls *Liveslots) convertValToSlot(v any) (string, error) {
	if slot, ok := ls.valToSlot[v]; ok {
		return slot, nil
	}
	switch x := v.(type) {
	case *Promise:
		slot := ls.allocPromiseSlot()
		x.slot = slot
		ls.registerValue(slot, x, false)
		ls.pinPromise(slot, x)
		if x.IsSettled() {
			// Resolution already known; the resolution collector will emit
			// it alongside the enclosing send or resolve.
			ls.recordResolution(x)
		}
		return slot, nil
	case *Remotable:
		slot := ls.allocObjectSlot()
		ls.registerValue(slot, x, true)
		return slot, nil
	case *Presence:
		if ls.isDisavowed(x) {
			err := fmt.Errorf("serialize %s: %w", x.slot, ErrDisavowedReference)
			ls.exitWithFailure(err.Error())
			return "", err
		}
		// A live presence is always registered; reaching here means the
		// registry lost track of it.
		logVat.Errorf("presence with no registered vref (iface %q)", x.iface)
		return "", fmt.Errorf("presence with no registered vref")
	case *Representative:
		// Representatives register at materialization; an unregistered one
		// is an invariant breach.
		logVat.Errorf("representative %s missing from registry", x.slot)
		return "", fmt.Errorf("representative %s missing from registry", x.slot)
	case *DeviceNode:
		logVat.Errorf("device node with no registered vref (iface %q)", x.iface)
		return "", fmt.Errorf("device node with no registered vref")
	default:
		return "", fmt.Errorf("value of type %T is not pass-by-capability", v)
	}
}

// convertSlotToVal re-materializes the value for slot, creating a fresh
// Presence, importable promise, or device node on first sight. It is the
// serializer's inbound callback.
func (ls *Liveslots) convertSlotToVal(slot, iface string) (any, error) {
	vr, err := ParseVref(slot)
	if err != nil {
		return nil, err
	}
	if v, ok := ls.getValForSlot(slot); ok {
		if vr.Virtual {
			// Touch the store so user code cannot detect reanimation.
			ls.vom.Touch(slot)
		}
		if vr.Type == ObjectRef && !vr.Kernel && !vr.Virtual {
			// Kernel re-introduction of an export re-pins it, even right
			// after a dropExports.
			ls.retainExportedRemotable(slot)
		}
		ls.holdForCrank(v)
		return v, nil
	}

	// Unknown or collected: the vref leaves the dead set on re-introduction
	// and a fresh incarnation registers below. Stale finalizer callbacks
	// from the earlier incarnation are filtered during the GC drain.
	switch {
	case vr.Type == ObjectRef && !vr.Kernel && vr.Virtual:
		rep, err := ls.vom.Materialize(slot)
		if err != nil {
			return nil, err
		}
		ls.registerValue(slot, rep, true)
		ls.holdForCrank(rep)
		return rep, nil
	case vr.Type == ObjectRef && !vr.Kernel:
		return nil, fmt.Errorf("slot %s: %w", slot, ErrUnknownExport)
	case vr.Type == ObjectRef:
		p := &Presence{ls: ls, slot: slot, iface: iface}
		ls.registerValue(slot, p, true)
		ls.holdForCrank(p)
		return p, nil
	case vr.Type == PromiseRef && vr.Kernel:
		p, resolve, reject := ls.newPromise()
		p.slot = slot
		ls.registerValue(slot, p, false)
		ls.pinPromise(slot, p)
		ls.importedPromises[slot] = &resolverPair{p: p, resolve: resolve, reject: reject}
		ls.queueSubscribe(slot)
		return p, nil
	case vr.Type == PromiseRef:
		return nil, fmt.Errorf("slot %s: %w", slot, ErrUnknownExport)
	case vr.Type == DeviceRef && vr.Kernel:
		d := &DeviceNode{ls: ls, slot: slot, iface: iface}
		ls.registerValue(slot, d, false)
		ls.tools.Hold(d)
		return d, nil
	default:
		return nil, fmt.Errorf("slot %s: %w", slot, ErrUnknownExport)
	}
}

// retainExportedRemotable strongly pins a vat-allocated ordinary object
// vref so the kernel can rely on the export. Virtual exports are managed
// by the virtual-object store instead.
func (ls *Liveslots) retainExportedRemotable(slot string) {
	vr, err := ParseVref(slot)
	if err != nil || vr.Kernel || vr.Type != ObjectRef || vr.Virtual {
		return
	}
	if _, pinned := ls.exportedRemotables[slot]; pinned {
		return
	}
	v, ok := ls.getValForSlot(slot)
	if !ok {
		logVat.Errorf("export %s has no backing remotable", slot)
		return
	}
	r, ok := v.(*Remotable)
	if !ok {
		logVat.Errorf("export %s backed by %T, not a remotable", slot, v)
		return
	}
	ls.exportedRemotables[slot] = r
	ls.tools.Hold(r)
}

// retainExports pins every vat object export mentioned by a serialized
// value.
func (ls *Liveslots) retainExports(cd capdata.CapData) {
	for _, slot := range cd.Slots {
		ls.retainExportedRemotable(slot)
	}
}

// retireSlot removes every registry trace of a vref: both tables, the
// finalizer registration, and any promise pins. Promises are detached from
// their kernel identity so later local use stays valid.
func (ls *Liveslots) retireSlot(slot string) {
	if cell, ok := ls.slotToVal[slot]; ok {
		if v, live := cell.Deref(); live {
			delete(ls.valToSlot, v)
			ls.tools.Forget(v)
			if p, ok := v.(*Promise); ok {
				p.slot = ""
				p.handler.retired = true
			}
		}
		delete(ls.slotToVal, slot)
	}
	ls.tools.DropCell(slot)
	delete(ls.deadSet, slot)
	delete(ls.exportedRemotables, slot)
	delete(ls.pendingPromises, slot)
	delete(ls.importedPromises, slot)
	delete(ls.knownResolutions, slot)
}

// ---------------------------------------------------------------------------
// Disavowal and recognizers
// ---------------------------------------------------------------------------

func (ls *Liveslots) isDisavowed(p *Presence) bool {
	_, ok := ls.disavowed[p]
	return ok
}

// disavowPresence revokes an import: both table entries are dropped, the
// presence joins the disavowed set, and the kernel is told immediately.
func (ls *Liveslots) disavowPresence(p *Presence) error {
	slot, ok := ls.valToSlot[p]
	if !ok {
		return fmt.Errorf("disavow: presence not registered")
	}
	vr, err := ParseVref(slot)
	if err != nil || !vr.Kernel || vr.Type != ObjectRef {
		return fmt.Errorf("disavow: %s is not an imported object", slot)
	}
	delete(ls.valToSlot, p)
	delete(ls.slotToVal, slot)
	ls.tools.DropCell(slot)
	ls.tools.Forget(p)
	ls.disavowed[p] = struct{}{}
	ls.sc.DropImports([]string{slot})
	return nil
}

func (ls *Liveslots) addRecognizer(slot string, ws *WeakSet) {
	set, ok := ls.recognizers[slot]
	if !ok {
		set = make(map[*WeakSet]struct{})
		ls.recognizers[slot] = set
	}
	set[ws] = struct{}{}
}

func (ls *Liveslots) removeRecognizer(slot string, ws *WeakSet) {
	if set, ok := ls.recognizers[slot]; ok {
		delete(set, ws)
		if len(set) == 0 {
			delete(ls.recognizers, slot)
		}
	}
}

// recognizable reports whether any weak collection or the virtual-object
// store can still recognize the vref. Dropped imports that remain
// recognizable are not retired.
func (ls *Liveslots) recognizable(slot string) bool {
	if len(ls.recognizers[slot]) > 0 {
		return true
	}
	return ls.vom.Recognizable(slot)
}

// dropRecognizers discards all weak-collection entries for a retired
// import.
func (ls *Liveslots) dropRecognizers(slot string) {
	for ws := range ls.recognizers[slot] {
		ws.dropSlot(slot)
	}
	delete(ls.recognizers, slot)
	ls.vom.RetireRecognizers(slot)
}

// holdForCrank keeps a deserialized value alive until the current crank
// completes; hosted code uses Powers.Retain to keep it longer.
func (ls *Liveslots) holdForCrank(v any) {
	ls.tools.Hold(v)
	ls.crankHeld = append(ls.crankHeld, v)
}

func (ls *Liveslots) releaseCrankHolds() {
	held := ls.crankHeld
	ls.crankHeld = nil
	for _, v := range held {
		ls.tools.Release(v)
	}
}
