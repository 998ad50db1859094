// Copyright 2024-2026 Aiku AI

package engine

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// UserID is the bare network address of an identity (localpart@domain),
// never carrying a resource or nickname suffix.
type UserID string

// RoomID is the bare address of a conversation. It is stable across
// reconnects and shared by every device of the account.
type RoomID string

// MessageID is the client-assigned identifier of a message.
type MessageID string

// ArchiveID is the server-assigned identifier used for history paging.
// It may be absent on transient or not-yet-archived messages.
type ArchiveID string

// DeviceID identifies one encryption-capable endpoint of a user.
type DeviceID uint32

// NewMessageID creates a fresh client-side message identifier.
func NewMessageID() MessageID {
	return MessageID(uuid.NewString())
}

// NewRequestID creates a fresh identifier for an outgoing request stanza.
func NewRequestID() string {
	return uuid.NewString()
}

// MakeUserID creates a UserID from a localpart and domain.
func MakeUserID(localpart, domain string) UserID {
	return UserID(localpart + "@" + domain)
}

// ParseUserID splits a UserID into localpart and domain. The localpart is
// empty for domain-only addresses (server components).
func ParseUserID(id UserID) (localpart, domain string) {
	s := string(id)
	if at := strings.IndexByte(s, '@'); at >= 0 {
		return s[:at], s[at+1:]
	}
	return "", s
}

// Domain returns the domain part of the user address.
func (id UserID) Domain() string {
	_, domain := ParseUserID(id)
	return domain
}

// ParseDeviceID parses the decimal string form of a device ID.
func ParseDeviceID(s string) (DeviceID, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return DeviceID(n), nil
}

// String returns the decimal form used on the wire and in storage keys.
func (d DeviceID) String() string {
	return strconv.FormatUint(uint64(d), 10)
}

// Address is a fully qualified stanza address: a bare identifier plus an
// optional part, which is a resource for user addresses and an occupant
// nickname for room addresses.
type Address struct {
	Bare string
	Part string
}

// ParseAddress splits "bare/part" into an Address. A missing slash yields a
// bare-only address.
func ParseAddress(s string) Address {
	if slash := strings.IndexByte(s, '/'); slash >= 0 {
		return Address{Bare: s[:slash], Part: s[slash+1:]}
	}
	return Address{Bare: s}
}

// MakeRoomAddress creates the occupant address used when joining a room.
func MakeRoomAddress(room RoomID, nick string) Address {
	return Address{Bare: string(room), Part: nick}
}

// User returns the bare address as a UserID.
func (a Address) User() UserID {
	return UserID(a.Bare)
}

// Room returns the bare address as a RoomID.
func (a Address) Room() RoomID {
	return RoomID(a.Bare)
}

// IsZero reports whether the address is empty.
func (a Address) IsZero() bool {
	return a.Bare == "" && a.Part == ""
}

func (a Address) String() string {
	if a.Part == "" {
		return a.Bare
	}
	return a.Bare + "/" + a.Part
}
