package vat

import (
	"errors"
	"fmt"
)

// User-side misuse kinds. Except for ErrUnknownExport, these surface as
// synchronous throws (a misuse panic) at the call site; ErrUnknownExport is
// returned as a wrapped error by slot conversion. Except for disavowal, none
// has syscall side effects.
var (
	ErrBadMethodName          = errors.New("bad method name")
	ErrPromiseInDeviceCall    = errors.New("promise in device call")
	ErrDeviceOfDevice         = errors.New("device of device")
	ErrUnknownExport          = errors.New("unknown export")
	ErrDisavowedReference     = errors.New("disavowed reference")
	ErrHandlerAfterResolution = errors.New("pipeline handler used after resolution")
)

// misuse is the panic payload for synchronous user-misuse throws. It is
// confined to a single call frame: the crank runner recovers it at the
// task boundary if user code lets it escape.
type misuse struct {
	err error
}

func throwMisuse(kind error, format string, args ...any) {
	panic(misuse{err: fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)})
}

// AsMisuse extracts the error from a recovered misuse panic. Hosted code
// that recovers around Send or device calls uses this to classify the
// throw.
func AsMisuse(r any) (error, bool) {
	if m, ok := r.(misuse); ok {
		return m.err, true
	}
	return nil, false
}
