package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrMissingPart     = errors.New("protocol: message part is missing")
	ErrUnexpectedPart  = errors.New("protocol: unexpected message part")
	ErrInvalidEvidence = errors.New("protocol: invalid evidence")
)

// LocalError is a fault in this party's own processing. It cannot be proven
// to anyone else and ends the session.
type LocalError struct {
	err error
}

// NewLocalError formats like fmt.Errorf, so %w wraps.
func NewLocalError(format string, args ...any) *LocalError {
	return &LocalError{err: fmt.Errorf(format, args...)}
}

func (e *LocalError) Error() string {
	return "local error: " + e.err.Error()
}

func (e *LocalError) Unwrap() error {
	return e.err
}

// AsLocalError returns err as a *LocalError, wrapping it if needed.
func AsLocalError(err error) *LocalError {
	if err == nil {
		return nil
	}
	var local *LocalError
	if errors.As(err, &local) {
		return local
	}
	return &LocalError{err: err}
}

// RemoteError is misbehavior by another party that cannot be proven to a
// third party, such as a bad signature or a wrong session id.
type RemoteError struct {
	Reason string `json:"reason" cbor:"1,keyasint"`
}

func NewRemoteError(format string, args ...any) RemoteError {
	return RemoteError{Reason: fmt.Sprintf(format, args...)}
}

func (e RemoteError) Error() string {
	return "remote error: " + e.Reason
}

// InvalidEvidence builds an error rejecting an accusation.
func InvalidEvidence(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvidence, fmt.Sprintf(format, args...))
}

type ReceiveErrorKind int

const (
	ReceiveLocal ReceiveErrorKind = iota
	ReceiveUnprovable
	ReceiveProtocol
	ReceiveInvalidDirectMessage
	ReceiveInvalidEchoBroadcast
	ReceiveInvalidNormalBroadcast
	// ReceiveEcho is raised by the engine's echo round only.
	ReceiveEcho
)

func (k ReceiveErrorKind) String() string {
	switch k {
	case ReceiveLocal:
		return "local"
	case ReceiveUnprovable:
		return "unprovable"
	case ReceiveProtocol:
		return "protocol"
	case ReceiveInvalidDirectMessage:
		return "invalid direct message"
	case ReceiveInvalidEchoBroadcast:
		return "invalid echo broadcast"
	case ReceiveInvalidNormalBroadcast:
		return "invalid normal broadcast"
	case ReceiveEcho:
		return "echo"
	default:
		return fmt.Sprintf("ReceiveErrorKind(%d)", int(k))
	}
}

// ReceiveError is what Round.ReceiveMessage returns when a message is bad.
// The kind decides what the engine records: provable kinds become evidence,
// Unprovable becomes a RemoteError and Local ends the session. Any error that
// is not a *ReceiveError is treated as Local.
type ReceiveError struct {
	Kind     ReceiveErrorKind
	Err      error
	Protocol ProtocolError
}

func (e *ReceiveError) Error() string {
	if e.Kind == ReceiveProtocol && e.Protocol != nil {
		return "protocol error: " + e.Protocol.Error()
	}
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *ReceiveError) Unwrap() error {
	if e.Kind == ReceiveProtocol {
		return e.Protocol
	}
	return e.Err
}

func ReceiveLocalError(err error) *ReceiveError {
	return &ReceiveError{Kind: ReceiveLocal, Err: err}
}

// Unprovable reports misbehavior the receiver cannot prove.
func Unprovable(format string, args ...any) *ReceiveError {
	return &ReceiveError{Kind: ReceiveUnprovable, Err: NewRemoteError(format, args...)}
}

// Misbehaved reports a provable, protocol-specific violation.
func Misbehaved(err ProtocolError) *ReceiveError {
	return &ReceiveError{Kind: ReceiveProtocol, Protocol: err}
}

func InvalidDirectMessage(err error) *ReceiveError {
	return &ReceiveError{Kind: ReceiveInvalidDirectMessage, Err: err}
}

func InvalidEchoBroadcast(err error) *ReceiveError {
	return &ReceiveError{Kind: ReceiveInvalidEchoBroadcast, Err: err}
}

func InvalidNormalBroadcast(err error) *ReceiveError {
	return &ReceiveError{Kind: ReceiveInvalidNormalBroadcast, Err: err}
}

// EchoFailure is used by the engine's echo round.
func EchoFailure(err error) *ReceiveError {
	return &ReceiveError{Kind: ReceiveEcho, Err: err}
}

// AsReceiveError classifies any error returned by ReceiveMessage.
func AsReceiveError(err error) *ReceiveError {
	var re *ReceiveError
	if errors.As(err, &re) {
		return re
	}
	return ReceiveLocalError(err)
}
