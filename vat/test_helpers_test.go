package vat

import (
	"context"
	"fmt"
	"testing"

	_ "github.com/tliron/commonlog/simple"

	"github.com/vatkit/liveslots/capdata"
	"github.com/vatkit/liveslots/gctools"
)

// ---------------------------------------------------------------------------
// Test doubles: recording syscall implementation, kernel-side capdata
// ---------------------------------------------------------------------------

type recordedSyscall struct {
	op          string
	target      string
	method      string
	result      string
	args        capdata.CapData
	resolutions []Resolution
	vrefs       []string
	failure     bool
	data        capdata.CapData
}

type fakeSyscall struct {
	calls   []recordedSyscall
	kv      map[string]string
	devices map[string]func(method string, args capdata.CapData) (capdata.CapData, error)
}

func newFakeSyscall() *fakeSyscall {
	return &fakeSyscall{
		kv:      make(map[string]string),
		devices: make(map[string]func(string, capdata.CapData) (capdata.CapData, error)),
	}
}

func (f *fakeSyscall) Send(target, method string, args capdata.CapData, result string) {
	f.calls = append(f.calls, recordedSyscall{op: "send", target: target, method: method, args: args, result: result})
}

func (f *fakeSyscall) Resolve(resolutions []Resolution) {
	f.calls = append(f.calls, recordedSyscall{op: "resolve", resolutions: resolutions})
}

func (f *fakeSyscall) Subscribe(vpid string) {
	f.calls = append(f.calls, recordedSyscall{op: "subscribe", target: vpid})
}

func (f *fakeSyscall) DropImports(vrefs []string) {
	f.calls = append(f.calls, recordedSyscall{op: "dropImports", vrefs: vrefs})
}

func (f *fakeSyscall) RetireImports(vrefs []string) {
	f.calls = append(f.calls, recordedSyscall{op: "retireImports", vrefs: vrefs})
}

func (f *fakeSyscall) RetireExports(vrefs []string) {
	f.calls = append(f.calls, recordedSyscall{op: "retireExports", vrefs: vrefs})
}

func (f *fakeSyscall) CallNow(target, method string, args capdata.CapData) (capdata.CapData, error) {
	f.calls = append(f.calls, recordedSyscall{op: "callNow", target: target, method: method, args: args})
	if h, ok := f.devices[target]; ok {
		return h(method, args)
	}
	return capdata.CapData{}, fmt.Errorf("no device %s", target)
}

func (f *fakeSyscall) Exit(failure bool, data capdata.CapData) {
	f.calls = append(f.calls, recordedSyscall{op: "exit", failure: failure, data: data})
}

func (f *fakeSyscall) VatstoreGet(key string) (string, bool) {
	v, ok := f.kv[key]
	return v, ok
}

func (f *fakeSyscall) VatstoreSet(key, value string) { f.kv[key] = value }
func (f *fakeSyscall) VatstoreDelete(key string)     { delete(f.kv, key) }

func (f *fakeSyscall) byOp(op string) []recordedSyscall {
	var out []recordedSyscall
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeSyscall) ops() []string {
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.op
	}
	return out
}

func (f *fakeSyscall) reset() { f.calls = nil }

// kslot stands in for a kernel-side capability when building deliveries.
type kslot struct {
	slot  string
	iface string
}

func (k kslot) PassByCapability() string { return k.iface }

// kernelCodec builds the codec the kernel side uses, mapping kslot markers
// to their vrefs on the way out and back.
func kernelCodec(t *testing.T) *capdata.Codec {
	t.Helper()
	codec, err := capdata.NewCodec(
		func(v any) (string, error) {
			k, ok := v.(kslot)
			if !ok {
				return "", fmt.Errorf("kernel codec: unexpected capability %T", v)
			}
			return k.slot, nil
		},
		func(slot, iface string) (any, error) {
			return kslot{slot: slot, iface: iface}, nil
		},
	)
	if err != nil {
		t.Fatalf("kernel codec: %v", err)
	}
	return codec
}

func kernelData(t *testing.T, v any) capdata.CapData {
	t.Helper()
	cd, err := kernelCodec(t).Serialize(v)
	if err != nil {
		t.Fatalf("kernel serialize: %v", err)
	}
	return cd
}

// decodeKernel re-reads vat-produced capdata from the kernel's viewpoint.
func decodeKernel(t *testing.T, cd capdata.CapData) any {
	t.Helper()
	v, err := kernelCodec(t).Deserialize(cd)
	if err != nil {
		t.Fatalf("kernel deserialize: %v", err)
	}
	return v
}

// ---------------------------------------------------------------------------
// Vat harness
// ---------------------------------------------------------------------------

type testVat struct {
	t      *testing.T
	ls     *Liveslots
	sc     *fakeSyscall
	tools  *gctools.Tools
	powers *Powers
}

func newTestVat(t *testing.T, cfg Config, build func(p *Powers) Invoker) *testVat {
	t.Helper()
	tv := &testVat{t: t, sc: newFakeSyscall(), tools: gctools.New()}
	ls, err := New(tv.sc, Options{Config: cfg, Tools: tv.tools}, func(p *Powers) Invoker {
		tv.powers = p
		return build(p)
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tv.ls = ls
	return tv
}

func (tv *testVat) dispatch(d Delivery) {
	tv.t.Helper()
	if err := tv.ls.Dispatch(context.Background(), d); err != nil {
		tv.t.Fatalf("dispatch %s: %v", d.Kind, err)
	}
	tv.checkInvariants()
}

// checkInvariants asserts the registry invariants that must hold between
// cranks.
func (tv *testVat) checkInvariants() {
	tv.t.Helper()
	ls := tv.ls
	for slot := range ls.deadSet {
		if _, ok := ls.slotToVal[slot]; ok {
			tv.t.Errorf("vref %s in both deadSet and slotToVal", slot)
		}
	}
	for slot, r := range ls.exportedRemotables {
		v, ok := ls.getValForSlot(slot)
		if !ok {
			tv.t.Errorf("pinned export %s has no live registry entry", slot)
			continue
		}
		if v != r {
			tv.t.Errorf("pinned export %s maps to a different value", slot)
		}
	}
	for v, slot := range ls.valToSlot {
		cell, ok := ls.slotToVal[slot]
		if !ok {
			tv.t.Errorf("value registered as %s has no slotToVal entry", slot)
			continue
		}
		if got, live := cell.Deref(); live && got != v {
			tv.t.Errorf("slot %s round-trips to a different value", slot)
		}
	}
}
