package vat

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vatkit/liveslots/capdata"
)

// ---------------------------------------------------------------------------
// Deliveries
// ---------------------------------------------------------------------------

// DeliveryKind tags the variants of the kernel-to-vat dispatch record.
type DeliveryKind string

const (
	DeliverMessage       DeliveryKind = "message"
	DeliverNotify        DeliveryKind = "notify"
	DeliverDropExports   DeliveryKind = "dropExports"
	DeliverRetireExports DeliveryKind = "retireExports"
	DeliverRetireImports DeliveryKind = "retireImports"
)

// Resolution is one entry of a promise-resolution batch, in either
// direction: [vpid, isRejected, capdata].
type Resolution struct {
	VPID     string          `cbor:"vpid"`
	Rejected bool            `cbor:"rejected"`
	Data     capdata.CapData `cbor:"data"`
}

// Delivery is the tagged record the kernel hands to Dispatch.
type Delivery struct {
	Kind        DeliveryKind    `cbor:"kind"`
	Target      string          `cbor:"target,omitempty"`
	Method      string          `cbor:"method,omitempty"`
	Args        capdata.CapData `cbor:"args,omitempty"`
	Result      string          `cbor:"result,omitempty"`
	Resolutions []Resolution    `cbor:"resolutions,omitempty"`
	Vrefs       []string        `cbor:"vrefs,omitempty"`
}

// MessageDelivery builds a message delivery record. result may be empty
// for sendOnly messages.
func MessageDelivery(target, method string, args capdata.CapData, result string) Delivery {
	return Delivery{Kind: DeliverMessage, Target: target, Method: method, Args: args, Result: result}
}

// NotifyDelivery builds a promise-resolution batch delivery.
func NotifyDelivery(resolutions ...Resolution) Delivery {
	return Delivery{Kind: DeliverNotify, Resolutions: resolutions}
}

// DropExportsDelivery builds a dropExports delivery.
func DropExportsDelivery(vrefs ...string) Delivery {
	return Delivery{Kind: DeliverDropExports, Vrefs: vrefs}
}

// RetireExportsDelivery builds a retireExports delivery.
func RetireExportsDelivery(vrefs ...string) Delivery {
	return Delivery{Kind: DeliverRetireExports, Vrefs: vrefs}
}

// RetireImportsDelivery builds a retireImports delivery.
func RetireImportsDelivery(vrefs ...string) Delivery {
	return Delivery{Kind: DeliverRetireImports, Vrefs: vrefs}
}

// ---------------------------------------------------------------------------
// Dispatch core
// ---------------------------------------------------------------------------

// Dispatch processes one crank: schedule the user-visible work as a
// microtask, run the queue to quiescence, flush batched subscriptions,
// release crank-scoped holds, then drive the GC drain until it reports
// nothing more to do. Errors never propagate out of a crank; every failure
// path is captured, classified, and reported via syscalls or the log.
func (ls *Liveslots) Dispatch(ctx context.Context, d Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ls.terminated {
		logVat.Warningf("dispatch %s after vat termination", d.Kind)
		return nil
	}
	crank := uuid.NewString()
	logVat.Debugf("crank %s: dispatch %s", crank, d.Kind)

	switch d.Kind {
	case DeliverMessage:
		ls.enqueue(func() { ls.deliverMessage(d) })
	case DeliverNotify:
		ls.enqueue(func() { ls.deliverNotify(d) })
	case DeliverDropExports:
		ls.enqueue(func() { ls.deliverDropExports(d.Vrefs) })
	case DeliverRetireExports:
		ls.enqueue(func() { ls.deliverRetireExports(d.Vrefs) })
	case DeliverRetireImports:
		ls.enqueue(func() { ls.deliverRetireImports(d.Vrefs) })
	default:
		logVat.Errorf("crank %s: unknown delivery tag %q", crank, d.Kind)
		return nil
	}

	ls.tools.WaitUntilQuiescent()
	ls.flushSubscribes()
	ls.releaseCrankHolds()
	ls.drainGC()
	logVat.Debugf("crank %s: complete", crank)
	return nil
}

// enqueue schedules fn on the vat queue with the crank-boundary recovery
// wrapper: misuse throws that escape user code are classified here instead
// of unwinding the dispatcher.
func (ls *Liveslots) enqueue(fn func()) {
	ls.queue.push(func() {
		defer func() {
			if r := recover(); r != nil {
				ls.recoverCrankPanic(r)
			}
		}()
		fn()
	})
}

func (ls *Liveslots) recoverCrankPanic(r any) {
	if err, ok := AsMisuse(r); ok {
		// DisavowedReference has already exited the vat at the throw site.
		logVat.Errorf("misuse escaped to crank boundary: %v", err)
		return
	}
	logVat.Criticalf("internal panic in crank: %v", r)
}

// ---------------------------------------------------------------------------
// Delivery kinds
// ---------------------------------------------------------------------------

func (ls *Liveslots) deliverMessage(d Delivery) {
	method, ok := checkIncomingMethod(d.Method)
	if !ok {
		logVat.Errorf("message to %s with bad method %q", d.Target, d.Method)
		ls.rejectResult(d.Result, fmt.Sprintf("bad method %q", d.Method))
		return
	}

	target, err := ls.convertSlotToVal(d.Target, "")
	if err != nil {
		logVat.Errorf("message to unknown target %s: %v", d.Target, err)
		ls.rejectResult(d.Result, fmt.Sprintf("unknown target %s", d.Target))
		return
	}

	rawArgs, err := ls.unmarshal(d.Args)
	if err != nil {
		logVat.Errorf("message %q to %s: malformed args: %v", method, d.Target, err)
		ls.rejectResult(d.Result, fmt.Sprintf("malformed arguments: %v", err))
		return
	}
	args, ok := rawArgs.([]any)
	if !ok {
		args = []any{rawArgs}
	}

	res := ls.sendToValue(target, method, args)
	if d.Result == "" {
		return
	}
	rp, ok := ls.registerResultPromise(d.Result)
	if !ok {
		return
	}
	res.Then(func(v any) any {
		rp.resolve(v)
		return nil
	}, func(reason any) any {
		rp.reject(reason)
		return nil
	})
}

// registerResultPromise installs the delivery's result vref as a promise
// this vat decides. A reused result vref is a protocol violation; the
// delivery still runs, but no resolution will be reported.
func (ls *Liveslots) registerResultPromise(slot string) (*resolverPair, bool) {
	if !isPromiseSlot(slot) {
		logVat.Errorf("result vref %s is not a promise", slot)
		return nil, false
	}
	if _, exists := ls.slotToVal[slot]; exists {
		logVat.Errorf("result vref %s reused", slot)
		return nil, false
	}
	p, resolve, reject := ls.newPromise()
	p.slot = slot
	ls.registerValue(slot, p, false)
	ls.pinPromise(slot, p)
	return &resolverPair{p: p, resolve: resolve, reject: reject}, true
}

// rejectResult reports a delivery failure through the result vref, when
// one was provided.
func (ls *Liveslots) rejectResult(slot, reason string) {
	if slot == "" {
		return
	}
	rp, ok := ls.registerResultPromise(slot)
	if !ok {
		return
	}
	rp.reject(reason)
}

// deliverNotify resolves a batch of kernel-decided promises, then retires
// every vpid in the batch. Imported promises first encountered while
// unserializing resolution data are subscribed once, after the batch.
func (ls *Liveslots) deliverNotify(d Delivery) {
	resolved := make([]string, 0, len(d.Resolutions))
	for _, r := range d.Resolutions {
		rp, ok := ls.importedPromises[r.VPID]
		if !ok {
			logVat.Errorf("notify for unknown promise %s", r.VPID)
			continue
		}
		val, err := ls.unmarshal(r.Data)
		if err != nil {
			logVat.Errorf("notify %s: malformed resolution data: %v", r.VPID, err)
			rp.reject(fmt.Sprintf("malformed resolution data: %v", err))
			resolved = append(resolved, r.VPID)
			continue
		}
		if r.Rejected {
			rp.reject(val)
		} else {
			rp.resolve(val)
		}
		resolved = append(resolved, r.VPID)
	}
	for _, vpid := range resolved {
		ls.retireSlot(vpid)
	}
}

// deliverDropExports releases the strong pin on each vat object export;
// the value may then be collected normally.
func (ls *Liveslots) deliverDropExports(vrefs []string) {
	for _, slot := range vrefs {
		vr, err := ParseVref(slot)
		if err != nil || vr.Kernel || vr.Type != ObjectRef {
			logVat.Errorf("dropExports of non-export %s", slot)
			continue
		}
		if vr.Virtual {
			ls.vom.DropExport(slot)
			continue
		}
		r, pinned := ls.exportedRemotables[slot]
		if !pinned {
			logVat.Warningf("dropExports of unpinned export %s", slot)
			continue
		}
		delete(ls.exportedRemotables, slot)
		ls.tools.Release(r)
	}
}

// deliverRetireExports removes retired exports from both registry tables.
// A retire for a still-pinned remotable is a kernel protocol violation;
// log and carry on.
func (ls *Liveslots) deliverRetireExports(vrefs []string) {
	for _, slot := range vrefs {
		vr, err := ParseVref(slot)
		if err != nil || vr.Kernel || vr.Type != ObjectRef {
			logVat.Errorf("retireExports of non-export %s", slot)
			continue
		}
		if _, pinned := ls.exportedRemotables[slot]; pinned {
			logVat.Errorf("retireExports for still-pinned export %s", slot)
			continue
		}
		ls.retireSlot(slot)
	}
}

// deliverRetireImports needs no table changes beyond sanity checks, but
// recognizing weak collections drop their entries.
func (ls *Liveslots) deliverRetireImports(vrefs []string) {
	for _, slot := range vrefs {
		vr, err := ParseVref(slot)
		if err != nil || !vr.Kernel || vr.Type != ObjectRef {
			logVat.Errorf("retireImports of non-import %s", slot)
			continue
		}
		ls.dropRecognizers(slot)
	}
}
