// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package engine

import (
	"context"
	"time"
)

// Store is the local cache collaborator. Every key is composite and starts
// with the account, so several accounts can share one database. Batch
// writes are atomic; the engine never assumes it is the only writer (a
// second device or process may share the cache), so all merges stay
// idempotent.
//
// Losing any collection degrades to a re-fetch on the next connect; it
// never corrupts later merges.
type Store interface {
	Messages() MessageStore
	Rooms() RoomStore
	Bookmarks() BookmarkStore
	Devices() DeviceStore
	Sessions() SessionStore
	Accounts() AccountStore
}

// Reaction is one emoji with the set of users who added it.
type Reaction struct {
	Emoji string   `json:"emoji"`
	From  []UserID `json:"from"`
}

// StoredMessage is one cached history entry. Server-derived fields are
// overwritten on merge; PendingEdit is local-only and survives merges.
type StoredMessage struct {
	ID         MessageID
	ArchiveID  ArchiveID
	Room       RoomID
	Sender     UserID
	SenderNick string
	Body       string
	Timestamp  time.Time

	Edited    bool
	Retracted bool
	// PendingEdit marks a locally-sent correction not yet echoed by the
	// server.
	PendingEdit bool
	// DecryptionFailed marks an entry whose payload could not be
	// decrypted; the body is empty and must not be merged over a readable
	// cached copy.
	DecryptionFailed bool

	Reactions []Reaction
}

// IsFromUser reports whether the message was sent by the given identity,
// from any of its devices.
func (m *StoredMessage) IsFromUser(user UserID) bool {
	return m.Sender == user
}

// ToggleReaction adds the emoji for the user, or removes it when already
// present. Empty reaction entries are dropped.
func (m *StoredMessage) ToggleReaction(user UserID, emoji string) {
	for i := range m.Reactions {
		r := &m.Reactions[i]
		if r.Emoji != emoji {
			continue
		}
		for j, from := range r.From {
			if from == user {
				r.From = append(r.From[:j], r.From[j+1:]...)
				if len(r.From) == 0 {
					m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
				}
				return
			}
		}
		r.From = append(r.From, user)
		return
	}
	m.Reactions = append(m.Reactions, Reaction{Emoji: emoji, From: []UserID{user}})
}

// SetReactions replaces the user's reaction set on this message with the
// given emojis, leaving other users' reactions untouched.
func (m *StoredMessage) SetReactions(user UserID, emojis []string) {
	kept := m.Reactions[:0]
	for _, r := range m.Reactions {
		from := r.From[:0]
		for _, f := range r.From {
			if f != user {
				from = append(from, f)
			}
		}
		r.From = from
		if len(r.From) > 0 {
			kept = append(kept, r)
		}
	}
	m.Reactions = kept
	for _, emoji := range emojis {
		m.ToggleReaction(user, emoji)
	}
}

// MessageStore is the per-room history collection, keyed by
// (account, room, message ID) with a (account, room, timestamp) index.
type MessageStore interface {
	// UpsertMessages writes a batch atomically, replacing existing rows
	// with the same key.
	UpsertMessages(ctx context.Context, account UserID, msgs []*StoredMessage) error
	GetMessage(ctx context.Context, account UserID, room RoomID, id MessageID) (*StoredMessage, error)
	GetMessageByArchiveID(ctx context.Context, account UserID, room RoomID, id ArchiveID) (*StoredMessage, error)
	// MessagesAfter returns messages with Timestamp strictly after the
	// given time, oldest first. A limit of 0 means no limit.
	MessagesAfter(ctx context.Context, account UserID, room RoomID, after time.Time, limit int) ([]*StoredMessage, error)
	// LatestMessages returns the newest limit messages, oldest first.
	LatestMessages(ctx context.Context, account UserID, room RoomID, limit int) ([]*StoredMessage, error)
	// LastReceivedMessage returns the newest message that was not sent by
	// the account itself and carries an archive ID, optionally at or
	// before a time. Nil when none. Used as the read marker fallback.
	LastReceivedMessage(ctx context.Context, account UserID, room RoomID, atOrBefore *time.Time) (*StoredMessage, error)
	DeleteRoomMessages(ctx context.Context, account UserID, room RoomID) error
}

// StoredRoom is the persisted part of a room: identity, local settings,
// unread counters, and the read marker. Live join state is runtime-only.
type StoredRoom struct {
	ID    RoomID
	Kind  RoomKind
	Name  string
	Topic string
	Nick  string

	UnreadCount  int
	MentionCount int
	// LastReadArchiveID/LastReadTime form the read marker; messages with a
	// later timestamp count as unread.
	LastReadArchiveID ArchiveID
	LastReadTime      time.Time

	Draft             string
	Muted             bool
	EncryptionEnabled bool

	// LastCatchup is when history catch-up last completed for this room.
	LastCatchup time.Time
}

// RoomStore is the per-account room collection keyed by (account, room).
type RoomStore interface {
	GetRoom(ctx context.Context, account UserID, id RoomID) (*StoredRoom, error)
	ListRooms(ctx context.Context, account UserID) ([]*StoredRoom, error)
	UpsertRoom(ctx context.Context, account UserID, room *StoredRoom) error
	DeleteRoom(ctx context.Context, account UserID, id RoomID) error
}

// BookmarkStore is the persisted bookmark collection keyed by
// (account, room).
type BookmarkStore interface {
	ListBookmarks(ctx context.Context, account UserID) ([]Bookmark, error)
	PutBookmark(ctx context.Context, account UserID, bookmark Bookmark) error
	DeleteBookmark(ctx context.Context, account UserID, room RoomID) error
	// ReplaceBookmarks overwrites the full set atomically (server sync).
	ReplaceBookmarks(ctx context.Context, account UserID, bookmarks []Bookmark) error
}

// DeviceStore caches published device lists keyed by (account, user).
type DeviceStore interface {
	GetDeviceList(ctx context.Context, account UserID, user UserID) ([]DeviceInfo, error)
	PutDeviceList(ctx context.Context, account UserID, user UserID, devices []DeviceInfo) error
}

// SessionRecord is the persisted state of one encryption session, keyed by
// (account, user, device). Records are flipped inactive rather than
// deleted when a device disappears from its published list, so history
// encrypted under them stays decryptable.
type SessionRecord struct {
	User   UserID
	Device DeviceID
	State  SessionState
	Trust  Trust
}

// SessionStore is the encryption session collection.
type SessionStore interface {
	GetSession(ctx context.Context, account UserID, user UserID, device DeviceID) (*SessionRecord, error)
	GetSessions(ctx context.Context, account UserID, user UserID) ([]*SessionRecord, error)
	PutSession(ctx context.Context, account UserID, record *SessionRecord) error
	// DeleteSession is for explicit device removal only.
	DeleteSession(ctx context.Context, account UserID, user UserID, device DeviceID) error
}

// AccountState is the per-account connection bookkeeping that survives
// restarts.
type AccountState struct {
	Resource    string
	LocalDevice DeviceID
}

// AccountStore holds one AccountState per account.
type AccountStore interface {
	GetAccountState(ctx context.Context, account UserID) (*AccountState, error)
	PutAccountState(ctx context.Context, account UserID, state *AccountState) error
}
