package transport

import "fmt"

// wireCodec adapts the hand-encoded wire messages to both the gRPC and
// Connect codec interfaces. It registers under the name "proto" so either
// protocol's binary content type selects it.
type wireCodec struct{}

func (wireCodec) Name() string { return "proto" }

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("transport: cannot marshal %T", v)
	}
	return m.marshalWire()
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("transport: cannot unmarshal into %T", v)
	}
	return m.unmarshalWire(data)
}
