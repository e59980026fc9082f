package vat

import "github.com/vatkit/liveslots/capdata"

// Syscall is the downward-facing kernel interface. Liveslots is the only
// caller; the kernel (or a test recorder) is the only implementer.
//
// GC notifications (DropImports, RetireImports, RetireExports) always
// carry sorted, duplicate-free vref lists. Those from the post-crank GC
// drain are issued after all user-initiated syscalls of the same crank;
// a disavow reports its single-vref DropImports immediately.
type Syscall interface {
	// Send queues a message to a vref. result is a promise vref this vat
	// allocated, or empty for sendOnly.
	Send(target, method string, args capdata.CapData, result string)
	// Resolve reports a batch of settlements for promises this vat
	// decides. Each vpid appears at most once per batch and never again
	// afterwards.
	Resolve(resolutions []Resolution)
	// Subscribe requests notification when the kernel resolves a promise.
	Subscribe(vpid string)

	DropImports(vrefs []string)
	RetireImports(vrefs []string)
	RetireExports(vrefs []string)

	// CallNow synchronously invokes a device method and returns its
	// serialized result. Promise vrefs are never present in args.
	CallNow(target, method string, args capdata.CapData) (capdata.CapData, error)

	// Exit terminates the vat, reporting the serialized completion or
	// failure value.
	Exit(failure bool, data capdata.CapData)

	// Vatstore is the optional kernel-held key-value store. Liveslots
	// namespaces keys before they reach here.
	VatstoreGet(key string) (string, bool)
	VatstoreSet(key, value string)
	VatstoreDelete(key string)
}
