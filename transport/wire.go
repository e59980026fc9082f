// Package transport exposes a vat's dispatch surface to an out-of-process
// kernel over Connect and gRPC, and carries syscall records back.
package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/vatkit/liveslots/capdata"
	"github.com/vatkit/liveslots/vat"
)

// cborEncMode holds CBOR encoding options with canonical mode for
// deterministic encoding.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("transport: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// SyscallRecord is one kernel-bound syscall captured during a crank.
type SyscallRecord struct {
	Op          string           `cbor:"op"`
	Target      string           `cbor:"target,omitempty"`
	Method      string           `cbor:"method,omitempty"`
	Args        capdata.CapData  `cbor:"args,omitempty"`
	Result      string           `cbor:"result,omitempty"`
	Resolutions []vat.Resolution `cbor:"resolutions,omitempty"`
	Vrefs       []string         `cbor:"vrefs,omitempty"`
	Failure     bool             `cbor:"failure,omitempty"`
	Data        capdata.CapData  `cbor:"data,omitempty"`
}

// MarshalDelivery serializes a Delivery to CBOR bytes.
func MarshalDelivery(d *vat.Delivery) ([]byte, error) {
	return cborEncMode.Marshal(d)
}

// UnmarshalDelivery deserializes a Delivery from CBOR bytes.
func UnmarshalDelivery(data []byte) (*vat.Delivery, error) {
	var d vat.Delivery
	if err := cbor.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("transport: unmarshal delivery: %w", err)
	}
	return &d, nil
}

// MarshalSyscall serializes a SyscallRecord to CBOR bytes.
func MarshalSyscall(r *SyscallRecord) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalSyscall deserializes a SyscallRecord from CBOR bytes.
func UnmarshalSyscall(data []byte) (*SyscallRecord, error) {
	var r SyscallRecord
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("transport: unmarshal syscall: %w", err)
	}
	return &r, nil
}
