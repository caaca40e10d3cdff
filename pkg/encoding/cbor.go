package encoding

import (
	"github.com/fxamacker/cbor/v2"
)

type cborFormat struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR is the default wire format: Core Deterministic Encoding, with
// duplicate map keys and extraneous data rejected on decode.
var CBOR Format = newCBORFormat()

func newCBORFormat() cborFormat {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return cborFormat{enc: enc, dec: dec}
}

func (cborFormat) Name() string { return "cbor" }

func (f cborFormat) Marshal(v any) ([]byte, error) {
	return f.enc.Marshal(v)
}

func (f cborFormat) Unmarshal(data []byte, v any) error {
	return f.dec.Unmarshal(data, v)
}
