package vat

import "strings"

// ---------------------------------------------------------------------------
// In-vat value kinds
// ---------------------------------------------------------------------------

// Invoker is the upward dispatch surface hosted code implements: "call any
// method on this value". Invoke returns a plain value, a *Promise, or an
// error; an error becomes a rejection of the caller's result promise.
type Invoker interface {
	Invoke(method string, args []any) (any, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(method string, args []any) (any, error)

func (f InvokerFunc) Invoke(method string, args []any) (any, error) {
	return f(method, args)
}

// Remotable is a pass-by-capability object exported by this vat. It is
// registered with a vat-allocated object vref at first serialization and
// pinned strongly until the kernel sends dropExports.
type Remotable struct {
	iface string
	inv   Invoker
}

// NewRemotable wraps hosted behavior as an exportable capability. The
// iface tag travels with the vref so remote peers can label the proxy.
func NewRemotable(iface string, inv Invoker) *Remotable {
	return &Remotable{iface: iface, inv: inv}
}

func (r *Remotable) PassByCapability() string { return r.iface }

func (r *Remotable) Invoke(method string, args []any) (any, error) {
	return r.inv.Invoke(method, args)
}

// Presence is a sealed proxy for an object owned by another vat. Method
// invocations become outbound eventual sends.
type Presence struct {
	ls    *Liveslots
	slot  string
	iface string
}

func (p *Presence) PassByCapability() string { return p.iface }

// Slot returns the kernel-visible vref this presence designates.
func (p *Presence) Slot() string { return p.slot }

// Send issues an eventual send to the remote object and returns the result
// promise. Invoking a disavowed presence throws DisavowedReference and
// terminates the vat with failure.
func (p *Presence) Send(method string, args ...any) *Promise {
	ls := p.ls
	if ls.isDisavowed(p) {
		ls.exitWithFailure("eventual send to disavowed presence " + p.slot)
		throwMisuse(ErrDisavowedReference, "send %q to %s", method, p.slot)
	}
	return ls.queueMessage(p.slot, method, args)
}

// DeviceNode is a proxy for a kernel device. It cannot be invoked
// eventually; hosted code goes through the D constructor for synchronous
// calls.
type DeviceNode struct {
	ls    *Liveslots
	slot  string
	iface string
}

func (d *DeviceNode) PassByCapability() string { return d.iface }

// Slot returns the device vref.
func (d *DeviceNode) Slot() string { return d.slot }

// ---------------------------------------------------------------------------
// Method-name bridging
// ---------------------------------------------------------------------------

// SymbolAsyncIterator is the bridged form of the asynchronous-iteration
// symbol; it crosses serialization as this literal string in both
// directions.
const SymbolAsyncIterator = "Symbol.asyncIterator"

const symbolPrefix = "@@"

// normalizeMethod validates an outbound method name. Symbol-encoded names
// are rejected, except the async-iteration symbol which is normalized to
// its bridged literal. Throws BadMethodName on misuse.
func normalizeMethod(method string) string {
	if method == symbolPrefix+"asyncIterator" {
		return SymbolAsyncIterator
	}
	if method == "" || strings.HasPrefix(method, symbolPrefix) {
		throwMisuse(ErrBadMethodName, "method %q", method)
	}
	return method
}

// checkIncomingMethod validates a kernel-delivered method name without
// throwing; malformed names are a protocol error handled by the caller.
func checkIncomingMethod(method string) (string, bool) {
	if method == symbolPrefix+"asyncIterator" {
		return SymbolAsyncIterator, true
	}
	if method == "" || strings.HasPrefix(method, symbolPrefix) {
		return method, false
	}
	return method, true
}

// ---------------------------------------------------------------------------
// WeakSet: a virtual-object-aware weak collection
// ---------------------------------------------------------------------------

// WeakSet holds values without keeping imports alive for GC reporting
// purposes. Keying an import registers this set as a recognizer: the vref
// is not retired while any recognizer still knows it, and a kernel
// retireImports drops the entry.
type WeakSet struct {
	ls    *Liveslots
	slots map[string]struct{}
	plain map[any]struct{}
}

// Add inserts v. Imports and virtual representatives are tracked by vref,
// so membership survives representative turnover; unregistered values are
// tracked by identity.
func (ws *WeakSet) Add(v any) {
	if slot, ok := ws.ls.getSlotForVal(v); ok {
		if vr, err := ParseVref(slot); err == nil && vr.Type == ObjectRef && (vr.Kernel || vr.Virtual) {
			ws.slots[slot] = struct{}{}
			if vr.Kernel {
				ws.ls.addRecognizer(slot, ws)
			}
			return
		}
	}
	ws.plain[v] = struct{}{}
}

// Has reports membership.
func (ws *WeakSet) Has(v any) bool {
	if slot, ok := ws.ls.getSlotForVal(v); ok {
		if _, hit := ws.slots[slot]; hit {
			return true
		}
	}
	_, hit := ws.plain[v]
	return hit
}

// Delete removes v, dropping the recognizer registration if this was the
// last entry for its vref.
func (ws *WeakSet) Delete(v any) {
	if slot, ok := ws.ls.getSlotForVal(v); ok {
		if _, hit := ws.slots[slot]; hit {
			delete(ws.slots, slot)
			ws.ls.removeRecognizer(slot, ws)
			return
		}
	}
	delete(ws.plain, v)
}

// dropSlot discards a vref entry after the kernel retires the import.
func (ws *WeakSet) dropSlot(slot string) {
	delete(ws.slots, slot)
}
