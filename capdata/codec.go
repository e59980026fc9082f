// Package capdata implements the serialization boundary between in-vat
// values and kernel-visible capability data. A serialized value is a pair
// of a canonical-CBOR body plus a list of vrefs; every capability in the
// body is replaced by a tagged index into that list.
package capdata

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// SlotTag is the CBOR tag marking a capability reference in a body. The
// tag content is a two-element array [index, iface].
const SlotTag = 39003

// CapData is a serialized value: a CBOR body plus the vrefs it references
// by index. Every slot-tagged node in the body points at exactly one entry
// in Slots.
type CapData struct {
	Body  []byte   `cbor:"body"`
	Slots []string `cbor:"slots"`
}

// PassByCapability marks values that serialize by reference rather than by
// copy. The return value is the interface tag carried alongside the slot.
type PassByCapability interface {
	PassByCapability() string
}

// Codec translates between Go values and CapData. It is parametrized by
// the two registry callbacks: valToSlot assigns (or allocates) a vref for
// a capability on the way out, slotToVal re-materializes one on the way in.
type Codec struct {
	enc       cbor.EncMode
	dec       cbor.DecMode
	valToSlot func(v any) (string, error)
	slotToVal func(slot, iface string) (any, error)
}

// NewCodec builds a codec around the given registry callbacks.
func NewCodec(valToSlot func(v any) (string, error), slotToVal func(slot, iface string) (any, error)) (*Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("capdata: enc mode: %w", err)
	}
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("capdata: dec mode: %w", err)
	}
	return &Codec{enc: em, dec: dm, valToSlot: valToSlot, slotToVal: slotToVal}, nil
}

// Serialize converts a value to CapData. Capabilities are assigned slot
// indices in discovery order; a capability appearing more than once shares
// a single slot entry.
func (c *Codec) Serialize(v any) (CapData, error) {
	st := &serializeState{codec: c, index: make(map[string]int)}
	tree, err := st.walk(v)
	if err != nil {
		return CapData{}, err
	}
	body, err := c.enc.Marshal(tree)
	if err != nil {
		return CapData{}, fmt.Errorf("capdata: marshal body: %w", err)
	}
	return CapData{Body: body, Slots: st.slots}, nil
}

type serializeState struct {
	codec *Codec
	slots []string
	index map[string]int
}

func (st *serializeState) walk(v any) (any, error) {
	if pc, ok := v.(PassByCapability); ok {
		slot, err := st.codec.valToSlot(v)
		if err != nil {
			return nil, err
		}
		idx, ok := st.index[slot]
		if !ok {
			idx = len(st.slots)
			st.slots = append(st.slots, slot)
			st.index[slot] = idx
		}
		return cbor.Tag{Number: SlotTag, Content: []any{uint64(idx), pc.PassByCapability()}}, nil
	}
	switch x := v.(type) {
	case nil, bool, string, int64, uint64, float64, []byte:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint32:
		return uint64(x), nil
	case float32:
		return float64(x), nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			w, err := st.walk(e)
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			w, err := st.walk(e)
			if err != nil {
				return nil, err
			}
			out[k] = w
		}
		return out, nil
	}
	return nil, fmt.Errorf("capdata: unserializable value of type %T", v)
}

// Deserialize converts CapData back to a value, re-materializing every
// slot reference through the registry callback.
func (c *Codec) Deserialize(cd CapData) (any, error) {
	var tree any
	if err := c.dec.Unmarshal(cd.Body, &tree); err != nil {
		return nil, fmt.Errorf("capdata: unmarshal body: %w", err)
	}
	return c.rebuild(tree, cd.Slots)
}

func (c *Codec) rebuild(tree any, slots []string) (any, error) {
	switch x := tree.(type) {
	case cbor.Tag:
		if x.Number != SlotTag {
			return nil, fmt.Errorf("capdata: unexpected tag %d in body", x.Number)
		}
		parts, ok := x.Content.([]any)
		if !ok || len(parts) != 2 {
			return nil, fmt.Errorf("capdata: malformed slot reference %v", x.Content)
		}
		idx, ok := asUint(parts[0])
		if !ok {
			return nil, fmt.Errorf("capdata: malformed slot index %v", parts[0])
		}
		iface, ok := parts[1].(string)
		if !ok {
			return nil, fmt.Errorf("capdata: malformed slot iface %v", parts[1])
		}
		if idx >= uint64(len(slots)) {
			return nil, fmt.Errorf("capdata: slot index %d out of range (%d slots)", idx, len(slots))
		}
		return c.slotToVal(slots[idx], iface)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			w, err := c.rebuild(e, slots)
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			w, err := c.rebuild(e, slots)
			if err != nil {
				return nil, err
			}
			out[k] = w
		}
		return out, nil
	case uint64:
		// Canonical CBOR encodes non-negative integers unsigned; fold the
		// common range back to int64 so round-trips preserve Go's natural
		// integer type.
		if x <= 1<<62 {
			return int64(x), nil
		}
		return x, nil
	default:
		return x, nil
	}
}

func asUint(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		if n >= 0 {
			return uint64(n), true
		}
	}
	return 0, false
}
