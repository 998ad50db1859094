// Copyright 2024-2026 Aiku AI

package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for request-scoped and connection-scoped failures.
var (
	// ErrTimeout is returned when a single request exceeds its deadline.
	// Recoverable; the caller may retry the request.
	ErrTimeout = errors.New("request timed out")

	// ErrDisconnected is returned for every request still pending when the
	// owning session leaves the connected states, and for operations
	// attempted while offline.
	ErrDisconnected = errors.New("disconnected")

	// ErrAlreadyConnected is returned by Connect when a connection attempt
	// is already in progress or established. Callers treat it as a no-op.
	ErrAlreadyConnected = errors.New("already connected")
)

// TransportError wraps a failure reported by the transport collaborator.
// It is connection-scoped: the session transitions to Disconnected and all
// pending requests fail.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a malformed or unexpected server response. It is
// surfaced to the specific caller and never retried automatically.
type ProtocolError struct {
	Op        string
	Condition string
}

func (e *ProtocolError) Error() string {
	if e.Condition == "" {
		return fmt.Sprintf("protocol error in %s", e.Op)
	}
	return fmt.Sprintf("protocol error in %s: %s", e.Op, e.Condition)
}

// EncryptionErrorKind distinguishes the failure modes of the encryption
// session manager.
type EncryptionErrorKind int

const (
	// NoDevices: the peer has no published devices at all.
	NoDevices EncryptionErrorKind = iota
	// NoTrustedDevices: the peer has devices, but none are usable
	// (all untrusted, inactive, or broken).
	NoTrustedDevices
	// DecryptFailed: an inbound message could not be decrypted, even after
	// the single automatic session repair.
	DecryptFailed
	// KindSessionBroken: the session for a device is in the broken state
	// and cannot be used until re-established.
	KindSessionBroken
)

func (k EncryptionErrorKind) String() string {
	switch k {
	case NoDevices:
		return "no devices"
	case NoTrustedDevices:
		return "no trusted devices"
	case DecryptFailed:
		return "decryption failed"
	case KindSessionBroken:
		return "session broken"
	default:
		return fmt.Sprintf("encryption error %d", int(k))
	}
}

// EncryptionError is message-scoped: one failure never aborts the session
// or blocks later messages in the same room.
type EncryptionError struct {
	Kind   EncryptionErrorKind
	User   UserID
	Device DeviceID
	Err    error
}

func (e *EncryptionError) Error() string {
	msg := fmt.Sprintf("encryption: %s for %s", e.Kind, e.User)
	if e.Device != 0 {
		msg += fmt.Sprintf(" (device %d)", e.Device)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}

// PermanentError marks a room-scoped terminal condition: the room was
// destroyed, membership was revoked, or rejoin attempts were exhausted.
// Terminal for that room only, never for the session.
type PermanentError struct {
	Room   RoomID
	Reason string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("room %s: %s", e.Room, e.Reason)
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
