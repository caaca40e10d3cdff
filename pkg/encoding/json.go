package encoding

import (
	"bytes"
	"encoding/json"
)

// StructToJsonBytes converts a struct to JSON bytes
func StructToJsonBytes(v any) ([]byte, error) {
	return json.Marshal(v)
}

// JsonBytesToStruct converts JSON bytes to a struct. Unknown fields are
// rejected so that two different byte strings cannot decode to the same value
// by smuggling extra keys.
func JsonBytesToStruct(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return ErrTrailingData
	}
	return nil
}

type jsonFormat struct{}

// JSON is the human-readable wire format. Useful for debugging and for
// evidence files meant to be inspected by hand.
var JSON Format = jsonFormat{}

func (jsonFormat) Name() string { return "json" }

func (jsonFormat) Marshal(v any) ([]byte, error) {
	return StructToJsonBytes(v)
}

func (jsonFormat) Unmarshal(data []byte, v any) error {
	return JsonBytesToStruct(data, v)
}
