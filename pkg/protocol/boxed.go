package protocol

import (
	"reflect"
)

// Payload is the opaque value a round derives from one sender's message in
// ReceiveMessage and gets back in Finalize. Only the round that created it
// narrows it, via PayloadAs.
type Payload struct {
	tag   string
	value any
}

// Artifact is private data a round keeps about a direct message it sent to
// one destination. It is never transmitted.
type Artifact struct {
	tag   string
	value any
}

func typeTag[T any]() string {
	return reflect.TypeFor[T]().String()
}

func NewPayload[T any](v T) Payload {
	return Payload{tag: typeTag[T](), value: v}
}

func NewArtifact[T any](v T) *Artifact {
	return &Artifact{tag: typeTag[T](), value: v}
}

func (p Payload) Tag() string  { return p.tag }
func (a Artifact) Tag() string { return a.tag }

// PayloadAs narrows p to T, failing with a LocalError on a tag mismatch.
func PayloadAs[T any](p Payload) (T, error) {
	v, ok := p.value.(T)
	if !ok || p.tag != typeTag[T]() {
		var zero T
		return zero, NewLocalError("payload has type %q, expected %q", p.tag, typeTag[T]())
	}
	return v, nil
}

// ArtifactAs narrows a to T, failing with a LocalError on a tag mismatch.
func ArtifactAs[T any](a Artifact) (T, error) {
	v, ok := a.value.(T)
	if !ok || a.tag != typeTag[T]() {
		var zero T
		return zero, NewLocalError("artifact has type %q, expected %q", a.tag, typeTag[T]())
	}
	return v, nil
}

// PayloadsAs narrows every payload of a finalize call.
func PayloadsAs[T any](payloads map[PartyID]Payload) (map[PartyID]T, error) {
	out := make(map[PartyID]T, len(payloads))
	for id, p := range payloads {
		v, err := PayloadAs[T](p)
		if err != nil {
			return nil, err
		}
		out[id] = v
	}
	return out, nil
}

// ArtifactsAs narrows every artifact of a finalize call.
func ArtifactsAs[T any](artifacts map[PartyID]Artifact) (map[PartyID]T, error) {
	out := make(map[PartyID]T, len(artifacts))
	for id, a := range artifacts {
		v, err := ArtifactAs[T](a)
		if err != nil {
			return nil, err
		}
		out[id] = v
	}
	return out, nil
}
