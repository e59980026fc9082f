package capdata

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("capdata: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Encode renders CapData as a hex-armored CBOR string, suitable for
// text-valued stores.
func Encode(cd CapData) (string, error) {
	raw, err := encMode.Marshal(cd)
	if err != nil {
		return "", fmt.Errorf("capdata: encode: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Decode reverses Encode.
func Decode(s string) (CapData, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return CapData{}, fmt.Errorf("capdata: decode: %w", err)
	}
	var cd CapData
	if err := cbor.Unmarshal(raw, &cd); err != nil {
		return CapData{}, fmt.Errorf("capdata: decode: %w", err)
	}
	return cd, nil
}
