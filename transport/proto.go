package transport

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// The dispatch RPC messages are defined in proto/vat/v1/vat.proto and
// encoded by hand with protowire: the payloads are opaque CBOR blobs, so
// the message shapes are small and stable enough not to warrant a codegen
// step.

// wireMessage is the contract the shared gRPC/Connect codec relies on.
type wireMessage interface {
	marshalWire() ([]byte, error)
	unmarshalWire(data []byte) error
}

// DispatchRequest carries one delivery into the vat.
type DispatchRequest struct {
	CrankID  string // field 1
	Delivery []byte // field 2, CBOR (MarshalDelivery)
}

func (m *DispatchRequest) marshalWire() ([]byte, error) {
	var b []byte
	if m.CrankID != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.CrankID)
	}
	if len(m.Delivery) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Delivery)
	}
	return b, nil
}

func (m *DispatchRequest) unmarshalWire(data []byte) error {
	*m = DispatchRequest{}
	return walkFields(data, func(num protowire.Number, payload []byte) error {
		switch num {
		case 1:
			m.CrankID = string(payload)
		case 2:
			m.Delivery = append([]byte(nil), payload...)
		}
		return nil
	})
}

// DispatchResponse carries the crank's captured syscalls back to the
// kernel.
type DispatchResponse struct {
	Syscalls   [][]byte // field 1, repeated CBOR (MarshalSyscall)
	Terminated bool     // field 2
}

func (m *DispatchResponse) marshalWire() ([]byte, error) {
	var b []byte
	for _, sc := range m.Syscalls {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, sc)
	}
	if m.Terminated {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b, nil
}

func (m *DispatchResponse) unmarshalWire(data []byte) error {
	*m = DispatchResponse{}
	return walkFields(data, func(num protowire.Number, payload []byte) error {
		switch num {
		case 1:
			m.Syscalls = append(m.Syscalls, append([]byte(nil), payload...))
		case 2:
			m.Terminated = len(payload) == 1 && payload[0] == 1
		}
		return nil
	})
}

// walkFields iterates a wire-format buffer, handing each field's payload
// to visit. Varint fields are re-encoded as a single byte for the common
// bool case; unknown fields are skipped.
func walkFields(data []byte, visit func(num protowire.Number, payload []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("transport: malformed tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch typ {
		case protowire.BytesType:
			payload, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("transport: malformed bytes field %d: %w", num, protowire.ParseError(n))
			}
			if err := visit(num, payload); err != nil {
				return err
			}
			data = data[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("transport: malformed varint field %d: %w", num, protowire.ParseError(n))
			}
			b := byte(0)
			if v != 0 {
				b = 1
			}
			if err := visit(num, []byte{b}); err != nil {
				return err
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("transport: malformed field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}
