package vat

import (
	"fmt"

	"github.com/vatkit/liveslots/capdata"
)

// ---------------------------------------------------------------------------
// Outbound sends, device calls, and the resolution collector
// ---------------------------------------------------------------------------

// queueMessage translates an eventual send into syscall.send: allocate the
// result vref, construct its pipelinable promise, issue the send, then
// opportunistically flush any locally-known resolutions mentioned by the
// arguments. The result vref is subscribed so the vat learns of its
// kernel-side resolution.
func (ls *Liveslots) queueMessage(target, method string, args []any) *Promise {
	method = normalizeMethod(method)

	resSlot := ls.allocPromiseSlot()
	res, resolve, reject := ls.newPromise()
	res.slot = resSlot
	ls.registerValue(resSlot, res, false)
	ls.pinPromise(resSlot, res)
	ls.importedPromises[resSlot] = &resolverPair{p: res, resolve: resolve, reject: reject}

	cd, err := ls.marshal(args)
	if err != nil {
		ls.retireSlot(resSlot)
		reject(fmt.Sprintf("cannot serialize arguments: %v", err))
		return res
	}
	ls.sc.Send(target, method, cd, resSlot)
	ls.emitKnownResolutions(cd.Slots)
	ls.queueSubscribe(resSlot)
	return res
}

// sendToValue routes a method invocation to an arbitrary in-vat value,
// returning the result promise. Local invokers run synchronously in the
// current turn; presences and unresolved kernel-decided promises forward
// through the kernel; other promises route to their settlement in-vat.
func (ls *Liveslots) sendToValue(target any, method string, args []any) *Promise {
	switch t := target.(type) {
	case *Presence:
		if ls.isDisavowed(t) {
			ls.exitWithFailure("eventual send to disavowed presence " + t.slot)
			throwMisuse(ErrDisavowedReference, "send %q to %s", method, t.slot)
		}
		return ls.queueMessage(t.slot, method, args)
	case *Promise:
		return t.Send(method, args...)
	case *DeviceNode:
		out, _, reject := ls.newPromise()
		reject(fmt.Sprintf("cannot eventually send %q to device %s", method, t.slot))
		return out
	case Invoker:
		return ls.invokeLocal(t, method, args)
	default:
		out, _, reject := ls.newPromise()
		reject(fmt.Sprintf("message %q to non-capability %T", method, target))
		return out
	}
}

// invokeLocal applies a method on a local invoker. A synchronous throw or
// returned error becomes a rejection of the result promise; the crank
// survives.
func (ls *Liveslots) invokeLocal(inv Invoker, method string, args []any) *Promise {
	res, resolve, reject := ls.newPromise()
	out, err := func() (out any, err error) {
		defer func() {
			if r := recover(); r != nil {
				if merr, ok := AsMisuse(r); ok {
					err = merr
					return
				}
				err = fmt.Errorf("invocation panic: %v", r)
			}
		}()
		return inv.Invoke(method, args)
	}()
	if err != nil {
		reject(err.Error())
	} else {
		resolve(out)
	}
	return res
}

// ---------------------------------------------------------------------------
// Device calls
// ---------------------------------------------------------------------------

// DeviceFacet is the synchronous call surface D() wraps around a device
// node.
type DeviceFacet struct {
	ls   *Liveslots
	node *DeviceNode
}

// deviceFacet implements the D constructor handed to hosted code. Wrapping
// anything but a device node, including another facet, throws
// DeviceOfDevice.
func (ls *Liveslots) deviceFacet(v any) *DeviceFacet {
	switch d := v.(type) {
	case *DeviceNode:
		return &DeviceFacet{ls: ls, node: d}
	case *DeviceFacet:
		throwMisuse(ErrDeviceOfDevice, "D(D(%s))", d.node.slot)
	default:
		throwMisuse(ErrDeviceOfDevice, "D() of %T", v)
	}
	return nil
}

// Call synchronously invokes a device method via syscall.callNow. Promises
// and device nodes are forbidden in the arguments.
func (f *DeviceFacet) Call(method string, args ...any) (any, error) {
	ls := f.ls
	method = normalizeMethod(method)
	cd, err := ls.marshal(args)
	if err != nil {
		return nil, fmt.Errorf("device call %q: %w", method, err)
	}
	for _, slot := range cd.Slots {
		vr, perr := ParseVref(slot)
		if perr != nil {
			return nil, perr
		}
		switch vr.Type {
		case PromiseRef:
			throwMisuse(ErrPromiseInDeviceCall, "device call %q argument %s", method, slot)
		case DeviceRef:
			throwMisuse(ErrDeviceOfDevice, "device call %q argument %s", method, slot)
		}
	}
	res, err := ls.sc.CallNow(f.node.slot, method, cd)
	if err != nil {
		return nil, fmt.Errorf("device call %q: %w", method, err)
	}
	return ls.unmarshal(res)
}

// ---------------------------------------------------------------------------
// Resolution collection
// ---------------------------------------------------------------------------

type knownResolution struct {
	rejected bool
	value    any
}

type resolverPair struct {
	p       *Promise
	resolve func(any)
	reject  func(any)
}

// recordResolution captures a settled promise's outcome for the resolution
// collector.
func (ls *Liveslots) recordResolution(p *Promise) {
	if p.slot == "" {
		return
	}
	ls.knownResolutions[p.slot] = knownResolution{
		rejected: p.state == promiseRejected,
		value:    p.result,
	}
}

// onPromiseSettled runs when a kernel-registered promise settles. If this
// vat is the decider, the settlement and everything transitively
// discoverable from it is flushed to the kernel in one resolve batch.
func (ls *Liveslots) onPromiseSettled(p *Promise) {
	if _, imported := ls.importedPromises[p.slot]; imported {
		// The kernel decides this one; resolution arrives via notify.
		return
	}
	ls.recordResolution(p)
	ls.emitKnownResolutions([]string{p.slot})
}

// collectResolutions appends every promise vref in slots whose resolution
// is known locally, recursing into the slots of each serialized
// resolution. Each vref appears at most once per batch; output order is
// insertion order of first discovery.
func (ls *Liveslots) collectResolutions(batch *[]Resolution, seen map[string]bool, slots []string) {
	for _, slot := range slots {
		if !isPromiseSlot(slot) || seen[slot] {
			continue
		}
		kr, ok := ls.knownResolutions[slot]
		if !ok {
			continue
		}
		seen[slot] = true
		cd, err := ls.marshal(kr.value)
		if err != nil {
			logVat.Errorf("cannot serialize resolution of %s: %v", slot, err)
			cd, _ = ls.marshal(fmt.Sprintf("unserializable resolution: %v", err))
			*batch = append(*batch, Resolution{VPID: slot, Rejected: true, Data: cd})
			continue
		}
		*batch = append(*batch, Resolution{VPID: slot, Rejected: kr.rejected, Data: cd})
		ls.collectResolutions(batch, seen, cd.Slots)
	}
}

// emitKnownResolutions flushes known resolutions reachable from the given
// slots as one syscall.resolve batch, then retires every mentioned vpid so
// it can never reappear in a later batch.
func (ls *Liveslots) emitKnownResolutions(slots []string) {
	var batch []Resolution
	seen := make(map[string]bool)
	ls.collectResolutions(&batch, seen, slots)
	if len(batch) == 0 {
		return
	}
	ls.sc.Resolve(batch)
	for _, r := range batch {
		ls.retireSlot(r.VPID)
	}
}

// ---------------------------------------------------------------------------
// Subscription batching
// ---------------------------------------------------------------------------

// queueSubscribe requests a kernel-resolution subscription for a promise
// vref. Requests batch until the crank's user work quiesces and are issued
// at most once per vref for the vat's lifetime.
func (ls *Liveslots) queueSubscribe(slot string) {
	if _, done := ls.subscribed[slot]; done {
		return
	}
	ls.subscribed[slot] = struct{}{}
	ls.pendingSubscribes = append(ls.pendingSubscribes, slot)
}

// flushSubscribes issues the batched subscriptions. Vrefs retired since
// they were queued (a notify can resolve a promise in the same crank that
// introduced it) are skipped.
func (ls *Liveslots) flushSubscribes() {
	pending := ls.pendingSubscribes
	ls.pendingSubscribes = nil
	for _, slot := range pending {
		if _, ok := ls.slotToVal[slot]; !ok {
			continue
		}
		ls.sc.Subscribe(slot)
	}
}

// marshal serializes a value and pins any vat object exports the kernel
// now knows about.
func (ls *Liveslots) marshal(v any) (capdata.CapData, error) {
	cd, err := ls.codec.Serialize(v)
	if err != nil {
		return capdata.CapData{}, err
	}
	ls.retainExports(cd)
	return cd, nil
}

func (ls *Liveslots) unmarshal(cd capdata.CapData) (any, error) {
	return ls.codec.Deserialize(cd)
}
