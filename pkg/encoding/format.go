// Package encoding provides the pluggable wire formats used for protocol
// payloads, signed messages and evidence.
package encoding

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownFormat = errors.New("encoding: unknown format")
	ErrTrailingData  = errors.New("encoding: trailing data after value")
)

// Format serializes values for the wire. Implementations must be
// deterministic: signing is done over the encoded bytes.
type Format interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// FormatByName resolves a format from configuration.
func FormatByName(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "cbor", "":
		return CBOR, nil
	case "json":
		return JSON, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}
