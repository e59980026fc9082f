package transport

import (
	"fmt"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/vatkit/liveslots/capdata"
	"github.com/vatkit/liveslots/vat"
	"github.com/vatkit/liveslots/vatstore"
)

var log = commonlog.GetLogger("transport")

// DeviceHandler services synchronous device calls on the kernel side of
// the bridge.
type DeviceHandler func(method string, args capdata.CapData) (capdata.CapData, error)

// SyscallRecorder is the kernel half of the bridge: it implements
// vat.Syscall by capturing each syscall as a record for the remote kernel
// to drain, servicing vatstore operations locally, and routing device
// calls to registered handlers.
type SyscallRecorder struct {
	mu         sync.Mutex
	records    []SyscallRecord
	store      *vatstore.Store
	devices    map[string]DeviceHandler
	terminated bool
}

// NewSyscallRecorder builds a recorder. store may be nil when the vat has
// no vatstore configured.
func NewSyscallRecorder(store *vatstore.Store) *SyscallRecorder {
	return &SyscallRecorder{
		store:   store,
		devices: make(map[string]DeviceHandler),
	}
}

// RegisterDevice installs a handler for a device vref.
func (r *SyscallRecorder) RegisterDevice(slot string, h DeviceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[slot] = h
}

// Take drains and returns the records captured since the last call.
func (r *SyscallRecorder) Take() []SyscallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.records
	r.records = nil
	return out
}

// Terminated reports whether the vat has issued syscall.exit.
func (r *SyscallRecorder) Terminated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminated
}

func (r *SyscallRecorder) record(rec SyscallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *SyscallRecorder) Send(target, method string, args capdata.CapData, result string) {
	r.record(SyscallRecord{Op: "send", Target: target, Method: method, Args: args, Result: result})
}

func (r *SyscallRecorder) Resolve(resolutions []vat.Resolution) {
	r.record(SyscallRecord{Op: "resolve", Resolutions: resolutions})
}

func (r *SyscallRecorder) Subscribe(vpid string) {
	r.record(SyscallRecord{Op: "subscribe", Target: vpid})
}

func (r *SyscallRecorder) DropImports(vrefs []string) {
	r.record(SyscallRecord{Op: "dropImports", Vrefs: vrefs})
}

func (r *SyscallRecorder) RetireImports(vrefs []string) {
	r.record(SyscallRecord{Op: "retireImports", Vrefs: vrefs})
}

func (r *SyscallRecorder) RetireExports(vrefs []string) {
	r.record(SyscallRecord{Op: "retireExports", Vrefs: vrefs})
}

func (r *SyscallRecorder) CallNow(target, method string, args capdata.CapData) (capdata.CapData, error) {
	r.mu.Lock()
	h, ok := r.devices[target]
	r.mu.Unlock()
	if !ok {
		return capdata.CapData{}, fmt.Errorf("no device registered for %s", target)
	}
	return h(method, args)
}

func (r *SyscallRecorder) Exit(failure bool, data capdata.CapData) {
	r.mu.Lock()
	r.terminated = true
	r.mu.Unlock()
	r.record(SyscallRecord{Op: "exit", Failure: failure, Data: data})
}

func (r *SyscallRecorder) VatstoreGet(key string) (string, bool) {
	if r.store == nil {
		return "", false
	}
	return r.store.Get(key)
}

func (r *SyscallRecorder) VatstoreSet(key, value string) {
	if r.store == nil {
		log.Warningf("vatstoreSet %q with no store configured", key)
		return
	}
	if err := r.store.Set(key, value); err != nil {
		log.Errorf("vatstoreSet %q: %v", key, err)
	}
}

func (r *SyscallRecorder) VatstoreDelete(key string) {
	if r.store == nil {
		return
	}
	if err := r.store.Delete(key); err != nil {
		log.Errorf("vatstoreDelete %q: %v", key, err)
	}
}
