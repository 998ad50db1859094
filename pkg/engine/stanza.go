// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package engine

import "time"

// The engine operates on already-parsed stanzas. The transport owns the
// byte-level codec in both directions; nothing in this package touches XML
// or any other encoding.

// Stanza is one parsed protocol unit. Exactly one of the concrete types
// below flows through the transport stream.
type Stanza interface {
	// StanzaID returns the wire identifier, empty when the unit has none.
	StanzaID() string
}

// MessageType mirrors the wire-level message subtype.
type MessageType string

const (
	MessageChat      MessageType = "chat"
	MessageGroupChat MessageType = "groupchat"
	MessageNormal    MessageType = "normal"
	MessageError     MessageType = "error"
)

// CarbonDirection marks a message copied from another device of the same
// account: Sent for copies of our own outbound traffic, Received for
// inbound traffic delivered to a sibling device first.
type CarbonDirection int

const (
	CarbonNone CarbonDirection = iota
	CarbonSent
	CarbonReceived
)

// ComposeState is the typing indicator carried on chat-state messages.
type ComposeState int

const (
	ComposeIdle ComposeState = iota
	ComposeActive
	ComposePaused
)

// ArchiveRef carries the server-assigned archive metadata attached to a
// message, either inline (live delivery) or from a history page.
type ArchiveRef struct {
	ID        ArchiveID
	Timestamp time.Time
}

// ReactionUpdate replaces the sender's full reaction set on the target
// message. An empty Emojis list removes all of the sender's reactions.
type ReactionUpdate struct {
	Target MessageID
	Emojis []string
}

// EncryptedKey is one per-device entry of an encrypted envelope.
type EncryptedKey struct {
	Device   DeviceID
	Data     []byte
	IsPreKey bool
}

// EncryptedPayload is the end-to-end encrypted envelope of a message body:
// a symmetric ciphertext plus the content key wrapped once per recipient
// device.
type EncryptedPayload struct {
	SenderDevice DeviceID
	IV           []byte
	Keys         []EncryptedKey
	Ciphertext   []byte
}

// KeyFor returns the wrapped content key addressed to the given device.
func (p *EncryptedPayload) KeyFor(device DeviceID) (EncryptedKey, bool) {
	for _, k := range p.Keys {
		if k.Device == device {
			return k, true
		}
	}
	return EncryptedKey{}, false
}

// MessageStanza is a parsed message unit: a chat/groupchat message body, a
// correction, a retraction, a reaction update, a chat-state notification,
// or a room subject change. Unset payload fields are nil or zero.
type MessageStanza struct {
	ID   MessageID
	From Address
	To   Address
	Type MessageType

	Body      string
	Subject   *string
	ReplaceID MessageID
	RetractID MessageID
	Reaction  *ReactionUpdate
	Mentions  []UserID
	Compose   *ComposeState
	Encrypted *EncryptedPayload

	// Archive is set when the server assigned an archive ID, either inline
	// on live delivery or when the message came from a history page.
	Archive *ArchiveRef
	// Delay holds the original send time for offline/delayed delivery.
	Delay  *time.Time
	Carbon CarbonDirection
	// RealUser is the sender's account address when the room discloses it;
	// groupchat From addresses only carry the occupant nick.
	RealUser UserID

	Error *StanzaError
}

func (m *MessageStanza) StanzaID() string { return string(m.ID) }

// EffectiveTime returns the best-known send time of the message: the
// archive timestamp when present, else the delay timestamp, else fallback.
func (m *MessageStanza) EffectiveTime(fallback time.Time) time.Time {
	if m.Archive != nil && !m.Archive.Timestamp.IsZero() {
		return m.Archive.Timestamp
	}
	if m.Delay != nil {
		return *m.Delay
	}
	return fallback
}

// IsContent reports whether the stanza carries content that belongs in
// history (body or encrypted payload), as opposed to pure signalling.
func (m *MessageStanza) IsContent() bool {
	return m.Body != "" || m.Encrypted != nil
}

// PresenceType mirrors the wire-level presence subtype.
type PresenceType string

const (
	PresenceAvailable   PresenceType = ""
	PresenceUnavailable PresenceType = "unavailable"
	PresenceErrorType   PresenceType = "error"
)

// Availability is the advertised reachability of a participant.
type Availability int

const (
	AvailabilityUnknown Availability = iota
	AvailabilityAvailable
	AvailabilityAway
	AvailabilityDoNotDisturb
	AvailabilityUnavailable
)

// Affiliation is the long-lived room-level standing of a participant.
type Affiliation string

const (
	AffiliationNone    Affiliation = "none"
	AffiliationMember  Affiliation = "member"
	AffiliationAdmin   Affiliation = "admin"
	AffiliationOwner   Affiliation = "owner"
	AffiliationOutcast Affiliation = "outcast"
)

// Room presence status codes relevant to the synchronizer. The transport
// passes them through untranslated.
const (
	// StatusSelfPresence marks the occupant's own reflected presence,
	// which completes the presence exchange of a join.
	StatusSelfPresence = 110
	// StatusRoomDestroyed marks the room as destroyed by its owner.
	StatusRoomDestroyed = 332
	// StatusKicked marks the occupant as removed from the room.
	StatusKicked = 307
	// StatusBanned marks the occupant as banned from the room.
	StatusBanned = 301
)

// PresenceStanza is a parsed presence unit, for both direct contacts and
// room occupants.
type PresenceStanza struct {
	ID   string
	From Address
	To   Address
	Type PresenceType

	Availability Availability
	Affiliation  Affiliation
	// RealUser is the occupant's bare address when the room discloses it.
	RealUser UserID
	// Codes carries room status codes (110 self-presence, 332 destroyed...).
	Codes []int

	Error *StanzaError
}

func (p *PresenceStanza) StanzaID() string { return p.ID }

// HasCode reports whether a given status code is attached.
func (p *PresenceStanza) HasCode(code int) bool {
	for _, c := range p.Codes {
		if c == code {
			return true
		}
	}
	return false
}

// IQType mirrors the wire-level IQ subtype.
type IQType string

const (
	IQGet    IQType = "get"
	IQSet    IQType = "set"
	IQResult IQType = "result"
	IQError  IQType = "error"
)

// StanzaError is the parsed error payload of an error-typed stanza.
type StanzaError struct {
	Condition string
	Text      string
}

func (e *StanzaError) Error() string {
	if e.Text == "" {
		return e.Condition
	}
	return e.Condition + ": " + e.Text
}

// IQStanza is a parsed request/response unit. Requests are matched to
// responses by ID through the request correlator. At most one payload
// field is set.
type IQStanza struct {
	ID   string
	Type IQType
	From Address
	To   Address

	Payload IQPayload
	Error   *StanzaError
}

func (iq *IQStanza) StanzaID() string { return iq.ID }

// IQPayload is the union of parsed request/response payloads the engine
// exchanges. The transport maps each to its wire namespace.
type IQPayload struct {
	// Ping is an empty liveness probe (request and response).
	Ping bool
	// EntityTime carries the server clock probe result.
	EntityTime *EntityTimeInfo
	// Disco carries service or room discovery results.
	Disco *DiscoInfo
	// Bookmarks carries the synced bookmark list (fetch result or publish).
	Bookmarks []Bookmark
	// HistoryQuery requests an archive page for a room.
	HistoryQuery *HistoryQuery
	// History is the assembled archive page answering a HistoryQuery.
	History *HistoryPage
	// Members is a room affiliation list result.
	Members []MemberInfo
	// DeviceList announces or returns a user's published devices.
	DeviceList *DeviceList
	// BundleQuery requests the pre-key bundle of one device.
	BundleQuery *BundleQuery
	// Bundle is the pre-key bundle answering a BundleQuery.
	Bundle *PreKeyBundle
	// CarbonsEnable asks the server to copy traffic to this device.
	CarbonsEnable bool
}

// EntityTimeInfo is the parsed entity-time probe result.
type EntityTimeInfo struct {
	UTC time.Time
}

// RoomKind classifies a conversation.
type RoomKind string

const (
	RoomKindDirect         RoomKind = "dm"
	RoomKindGroup          RoomKind = "group"
	RoomKindPrivateChannel RoomKind = "private-channel"
	RoomKindPublicChannel  RoomKind = "public-channel"
	RoomKindGeneric        RoomKind = "generic"
)

// IsMultiParty reports whether the room requires a presence exchange to
// join (everything except direct messages).
func (k RoomKind) IsMultiParty() bool {
	return k != RoomKindDirect
}

// DiscoInfo is a parsed discovery result: server features on the account
// domain, or room identity and configuration on a room address.
type DiscoInfo struct {
	Features []string
	// Room identity, set when the query targeted a room.
	RoomName string
	RoomKind RoomKind
}

// FeatureMessageArchive gates history catch-up on server support.
const FeatureMessageArchive = "urn:xmpp:mam:2"

// HasFeature reports whether the discovery result advertises a feature.
func (d *DiscoInfo) HasFeature(feature string) bool {
	for _, f := range d.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Bookmark is a persisted record that a room belongs to the account,
// independent of the current join state.
type Bookmark struct {
	Room      RoomID
	Name      string
	Kind      RoomKind
	Nick      string
	InSidebar bool
	AutoJoin  bool
	Favorite  bool
}

// HistoryQuery requests one archive page. Exactly one anchor is used:
// AfterID/BeforeID page by archive ID, AfterTime by timestamp.
type HistoryQuery struct {
	Room      RoomID
	AfterID   ArchiveID
	BeforeID  ArchiveID
	AfterTime *time.Time
	Limit     int
}

// HistoryPage is the assembled result of one archive query. Every entry
// carries an ArchiveRef. HasMore reports whether older/newer history
// remains beyond this page in the queried direction.
type HistoryPage struct {
	Messages []*MessageStanza
	HasMore  bool
}

// MemberInfo is one entry of a room affiliation list.
type MemberInfo struct {
	User        UserID
	Affiliation Affiliation
}

// DeviceInfo is one published device of a user.
type DeviceInfo struct {
	ID    DeviceID
	Label string
}

// DeviceList is a user's published device list.
type DeviceList struct {
	User    UserID
	Devices []DeviceInfo
}

// Contains reports whether the list advertises the given device.
func (l *DeviceList) Contains(device DeviceID) bool {
	for _, d := range l.Devices {
		if d.ID == device {
			return true
		}
	}
	return false
}

// BundleQuery requests the published pre-key bundle of one device.
type BundleQuery struct {
	User   UserID
	Device DeviceID
}

// PreKeyBundle is the published public key material of one device. The
// contents are opaque to the engine and consumed by the Cipher.
type PreKeyBundle struct {
	User   UserID
	Device DeviceID
	Data   []byte
}
