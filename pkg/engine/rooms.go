// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package engine

import (
	"context"
	"fmt"
	"time"
)

// RoomState is the lifecycle state of one room.
type RoomState int

const (
	// RoomPending is known but not yet being joined.
	RoomPending RoomState = iota
	// RoomJoining is waiting for the join handshake to complete.
	RoomJoining
	// RoomJoined is fully synchronized and live.
	RoomJoined
	// RoomDisconnected lost its join; a rejoin may be attempted.
	RoomDisconnected
	// RoomDestroyed was removed on the server and will not come back.
	RoomDestroyed
)

func (s RoomState) String() string {
	switch s {
	case RoomPending:
		return "pending"
	case RoomJoining:
		return "joining"
	case RoomJoined:
		return "joined"
	case RoomDisconnected:
		return "disconnected"
	case RoomDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// maxRejoinAttempts is how many consecutive rejoin failures a room may
// accumulate before it is parked with a permanent error. A manual join
// resets the count.
const maxRejoinAttempts = 3

// Participant is one occupant of a multi-party room.
type Participant struct {
	Nick         string
	User         UserID
	Affiliation  Affiliation
	Availability Availability
	Composing    bool
}

// room is the runtime state of one room. All fields are guarded by the
// client's roomsLock.
type room struct {
	id    RoomID
	kind  RoomKind
	name  string
	topic string
	nick  string

	state RoomState
	// err is the failure that put the room in its current state, nil when
	// healthy. A PermanentError means automatic rejoins have given up.
	err         error
	rejoinFails int

	unreadCount  int
	mentionCount int
	lastReadID   ArchiveID
	lastReadTime time.Time

	draft             string
	muted             bool
	encryptionEnabled bool
	lastCatchup       time.Time

	participants map[string]*Participant

	// joinDone is signaled by the presence handler when the join
	// handshake finishes. Only set while state is RoomJoining.
	joinDone chan error
}

// RoomInfo is a read-only snapshot of one room.
type RoomInfo struct {
	ID    RoomID
	Kind  RoomKind
	Name  string
	Topic string
	Nick  string

	State RoomState
	Err   error

	UnreadCount  int
	MentionCount int
	Draft        string
	Muted        bool

	EncryptionEnabled bool
	Participants      []Participant
}

func (r *room) snapshot() RoomInfo {
	info := RoomInfo{
		ID:                r.id,
		Kind:              r.kind,
		Name:              r.name,
		Topic:             r.topic,
		Nick:              r.nick,
		State:             r.state,
		Err:               r.err,
		UnreadCount:       r.unreadCount,
		MentionCount:      r.mentionCount,
		Draft:             r.draft,
		Muted:             r.muted,
		EncryptionEnabled: r.encryptionEnabled,
	}
	for _, p := range r.participants {
		info.Participants = append(info.Participants, *p)
	}
	return info
}

func (r *room) toStored() *StoredRoom {
	return &StoredRoom{
		ID:                r.id,
		Kind:              r.kind,
		Name:              r.name,
		Topic:             r.topic,
		Nick:              r.nick,
		UnreadCount:       r.unreadCount,
		MentionCount:      r.mentionCount,
		LastReadArchiveID: r.lastReadID,
		LastReadTime:      r.lastReadTime,
		Draft:             r.draft,
		Muted:             r.muted,
		EncryptionEnabled: r.encryptionEnabled,
		LastCatchup:       r.lastCatchup,
	}
}

func roomFromStored(sr *StoredRoom) *room {
	return &room{
		id:                sr.ID,
		kind:              sr.Kind,
		name:              sr.Name,
		topic:             sr.Topic,
		nick:              sr.Nick,
		state:             RoomPending,
		unreadCount:       sr.UnreadCount,
		mentionCount:      sr.MentionCount,
		lastReadID:        sr.LastReadArchiveID,
		lastReadTime:      sr.LastReadTime,
		draft:             sr.Draft,
		muted:             sr.Muted,
		encryptionEnabled: sr.EncryptionEnabled,
		lastCatchup:       sr.LastCatchup,
		participants:      make(map[string]*Participant),
	}
}

// Rooms returns a snapshot of every known room.
func (c *Client) Rooms() []RoomInfo {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()
	infos := make([]RoomInfo, 0, len(c.rooms))
	for _, r := range c.rooms {
		infos = append(infos, r.snapshot())
	}
	return infos
}

// Room returns a snapshot of one room, or false when unknown.
func (c *Client) Room(id RoomID) (RoomInfo, bool) {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()
	r, ok := c.rooms[id]
	if !ok {
		return RoomInfo{}, false
	}
	return r.snapshot(), true
}

func (c *Client) getRoom(id RoomID) *room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()
	return c.rooms[id]
}

// ensureRoom returns the runtime room, creating a pending entry when it
// does not exist yet.
func (c *Client) ensureRoom(id RoomID, kind RoomKind) *room {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()
	if r, ok := c.rooms[id]; ok {
		return r
	}
	r := &room{
		id:           id,
		kind:         kind,
		nick:         c.cfg.Nick,
		state:        RoomPending,
		participants: make(map[string]*Participant),
	}
	c.rooms[id] = r
	return r
}

func (c *Client) setRoomState(r *room, state RoomState, err error) {
	c.roomsLock.Lock()
	if r.state == state && err == nil {
		c.roomsLock.Unlock()
		return
	}
	r.state = state
	r.err = err
	id := r.id
	c.roomsLock.Unlock()
	c.sink.HandleEvent(&RoomStateEvent{Room: id, State: state, Err: err})
	c.emitSidebarChanged()
}

// JoinRoom joins a multi-party room and synchronizes it: presence
// handshake, room metadata, member list, then history catch-up seeded from
// the last cached message. A manual join resets any rejoin backoff.
func (c *Client) JoinRoom(ctx context.Context, id RoomID, nick string) error {
	if c.State() != StateConnected {
		return ErrDisconnected
	}
	r := c.ensureRoom(id, RoomKindGeneric)
	c.roomsLock.Lock()
	if r.state == RoomJoined || r.state == RoomJoining {
		c.roomsLock.Unlock()
		return nil
	}
	if nick != "" {
		r.nick = nick
	}
	if r.nick == "" {
		r.nick = c.cfg.Nick
	}
	r.rejoinFails = 0
	c.roomsLock.Unlock()

	if err := c.joinRoom(ctx, r); err != nil {
		return err
	}
	if err := c.ensureBookmark(ctx, r); err != nil {
		c.log.Warn().Err(err).Str("room_id", string(id)).Msg("Failed to save room bookmark")
	}
	return nil
}

// joinRoom runs the join handshake and synchronization for one room.
func (c *Client) joinRoom(ctx context.Context, r *room) error {
	c.roomsLock.Lock()
	if r.state == RoomJoining {
		c.roomsLock.Unlock()
		return nil
	}
	nick := r.nick
	done := make(chan error, 1)
	r.joinDone = done
	r.participants = make(map[string]*Participant)
	c.roomsLock.Unlock()
	c.setRoomState(r, RoomJoining, nil)

	err := c.sendStanza(ctx, &PresenceStanza{
		ID: NewRequestID(),
		To: MakeRoomAddress(r.id, nick),
	})
	if err == nil {
		select {
		case err = <-done:
		case <-time.After(c.cfg.RequestTimeout()):
			err = ErrTimeout
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	c.roomsLock.Lock()
	r.joinDone = nil
	c.roomsLock.Unlock()
	if err != nil {
		c.noteJoinFailure(r, err)
		return fmt.Errorf("failed to join %s: %w", r.id, err)
	}

	// Metadata and member failures degrade the room but do not fail the
	// join; history catch-up failures do not either.
	if err := c.syncRoomInfo(ctx, r); err != nil {
		c.log.Warn().Err(err).Str("room_id", string(r.id)).Msg("Failed to sync room info")
	}
	if err := c.syncMembers(ctx, r); err != nil {
		c.log.Warn().Err(err).Str("room_id", string(r.id)).Msg("Failed to sync room members")
	}
	if err := c.catchUpRoom(ctx, r); err != nil {
		c.log.Warn().Err(err).Str("room_id", string(r.id)).Msg("History catch-up failed")
	}

	c.roomsLock.Lock()
	r.rejoinFails = 0
	c.roomsLock.Unlock()
	c.setRoomState(r, RoomJoined, nil)
	c.persistRoom(ctx, r)
	return nil
}

func (c *Client) noteJoinFailure(r *room, err error) {
	c.roomsLock.Lock()
	r.rejoinFails++
	fails := r.rejoinFails
	c.roomsLock.Unlock()
	if fails >= maxRejoinAttempts {
		err = &PermanentError{Room: r.id, Reason: err.Error()}
	}
	c.setRoomState(r, RoomDisconnected, err)
}

// syncRoomInfo fetches the room's feature and identity metadata.
func (c *Client) syncRoomInfo(ctx context.Context, r *room) error {
	res, err := c.request(ctx, &IQStanza{
		Type:    IQGet,
		To:      Address{Bare: string(r.id)},
		Payload: IQPayload{Disco: &DiscoInfo{}},
	})
	if err != nil {
		return err
	}
	disco := res.Payload.Disco
	if disco == nil {
		return &ProtocolError{Op: "disco", Condition: "missing payload"}
	}
	c.roomsLock.Lock()
	if disco.RoomName != "" {
		r.name = disco.RoomName
	}
	if disco.RoomKind != "" {
		r.kind = disco.RoomKind
	}
	c.roomsLock.Unlock()
	return nil
}

// syncMembers fetches the standing member list. Occupant presence keeps
// the live participant set updated afterwards.
func (c *Client) syncMembers(ctx context.Context, r *room) error {
	res, err := c.request(ctx, &IQStanza{
		Type:    IQGet,
		To:      Address{Bare: string(r.id)},
		Payload: IQPayload{Members: []MemberInfo{}},
	})
	if err != nil {
		return err
	}
	c.roomsLock.Lock()
	for _, member := range res.Payload.Members {
		local, _ := ParseUserID(member.User)
		nick := local
		if p, ok := r.participants[nick]; ok {
			p.User = member.User
			p.Affiliation = member.Affiliation
			continue
		}
		r.participants[nick] = &Participant{
			Nick:         nick,
			User:         member.User,
			Affiliation:  member.Affiliation,
			Availability: AvailabilityUnavailable,
		}
	}
	id := r.id
	c.roomsLock.Unlock()
	c.sink.HandleEvent(&ParticipantsChangedEvent{Room: id})
	return nil
}

// rejoinRoom is the automatic variant of joinRoom used after pings or the
// connection drop. It gives up once the room accumulated too many
// consecutive failures.
func (c *Client) rejoinRoom(ctx context.Context, r *room) {
	c.roomsLock.RLock()
	fails := r.rejoinFails
	state := r.state
	c.roomsLock.RUnlock()
	if state == RoomDestroyed || fails >= maxRejoinAttempts {
		return
	}
	if err := c.joinRoom(ctx, r); err != nil {
		c.log.Warn().Err(err).
			Str("room_id", string(r.id)).
			Int("consecutive_failures", fails+1).
			Msg("Room rejoin failed")
	}
}

// pingLoop keeps joined multi-party rooms alive with periodic self-pings,
// until the stop channel closes.
func (c *Client) pingLoop(stopChan <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.pingRooms(stopChan)
		case <-stopChan:
			return
		}
	}
}

func (c *Client) pingRooms(stopChan <-chan struct{}) {
	c.roomsLock.RLock()
	var joined []*room
	for _, r := range c.rooms {
		if r.state == RoomJoined && r.kind.IsMultiParty() {
			joined = append(joined, r)
		}
	}
	c.roomsLock.RUnlock()
	for _, r := range joined {
		select {
		case <-stopChan:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout())
		err := c.pingRoom(ctx, r)
		cancel()
		if err == nil {
			continue
		}
		c.log.Debug().Err(err).Str("room_id", string(r.id)).Msg("Room ping failed, rejoining")
		c.setRoomState(r, RoomDisconnected, err)
		ctx, cancel = context.WithTimeout(context.Background(), c.cfg.RequestTimeout())
		c.rejoinRoom(ctx, r)
		cancel()
	}
}

func (c *Client) pingRoom(ctx context.Context, r *room) error {
	c.roomsLock.RLock()
	to := MakeRoomAddress(r.id, r.nick)
	c.roomsLock.RUnlock()
	_, err := c.request(ctx, &IQStanza{
		Type:    IQGet,
		To:      to,
		Payload: IQPayload{Ping: true},
	})
	return err
}

// handleRoomPresence folds one occupant presence into the room state.
func (c *Client) handleRoomPresence(st *PresenceStanza) {
	r := c.getRoom(RoomID(st.From.Bare))
	if r == nil {
		return
	}
	nick := st.From.Part

	c.roomsLock.Lock()
	self := st.HasCode(StatusSelfPresence) || (r.state == RoomJoining && nick == r.nick)
	joinDone := r.joinDone
	c.roomsLock.Unlock()

	switch {
	case st.Error != nil:
		if self && joinDone != nil {
			joinDone <- &ProtocolError{Op: "join", Condition: st.Error.Condition}
		}
		return
	case st.Type == PresenceUnavailable:
		c.handleOccupantLeft(r, st, nick, self)
		return
	}

	c.roomsLock.Lock()
	p, ok := r.participants[nick]
	if !ok {
		p = &Participant{Nick: nick}
		r.participants[nick] = p
	}
	p.Availability = st.Availability
	if p.Availability == AvailabilityUnknown {
		p.Availability = AvailabilityAvailable
	}
	if st.Affiliation != "" {
		p.Affiliation = st.Affiliation
	}
	if st.RealUser != "" {
		p.User = st.RealUser
	}
	id := r.id
	c.roomsLock.Unlock()

	if self && joinDone != nil {
		joinDone <- nil
	}
	c.sink.HandleEvent(&ParticipantsChangedEvent{Room: id})
}

func (c *Client) handleOccupantLeft(r *room, st *PresenceStanza, nick string, self bool) {
	c.roomsLock.Lock()
	delete(r.participants, nick)
	id := r.id
	c.roomsLock.Unlock()

	switch {
	case st.HasCode(StatusRoomDestroyed):
		c.setRoomState(r, RoomDestroyed, nil)
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout())
		if err := c.store.Bookmarks().DeleteBookmark(ctx, c.account, id); err != nil {
			c.log.Warn().Err(err).Str("room_id", string(id)).Msg("Failed to delete bookmark of destroyed room")
		}
		cancel()
	case self && (st.HasCode(StatusKicked) || st.HasCode(StatusBanned)):
		reason := "kicked from room"
		if st.HasCode(StatusBanned) {
			reason = "banned from room"
		}
		c.roomsLock.Lock()
		r.rejoinFails = maxRejoinAttempts
		c.roomsLock.Unlock()
		c.setRoomState(r, RoomDisconnected, &PermanentError{Room: id, Reason: reason})
	case self:
		c.setRoomState(r, RoomDisconnected, nil)
	}
	c.sink.HandleEvent(&ParticipantsChangedEvent{Room: id})
}

// noteIncoming updates unread and mention counters for one freshly stored
// message. Echoes of our own messages and messages in the focused room
// never count; neither do messages at or before the read marker.
func (c *Client) noteIncoming(ctx context.Context, r *room, msg *StoredMessage, mentioned bool) {
	c.roomsLock.Lock()
	focused := c.focusedRoom == r.id
	fromSelf := msg.Sender == c.account || (r.kind.IsMultiParty() && msg.SenderNick == r.nick)
	if fromSelf || focused || !msg.Timestamp.After(r.lastReadTime) {
		c.roomsLock.Unlock()
		return
	}
	r.unreadCount++
	if mentioned {
		r.mentionCount++
	}
	c.roomsLock.Unlock()
	c.persistRoom(ctx, r)
	c.emitSidebarChanged()
}

// MarkRead moves the room's read marker to the newest cached message and
// clears the counters.
func (c *Client) MarkRead(ctx context.Context, id RoomID) error {
	r := c.getRoom(id)
	if r == nil {
		return fmt.Errorf("unknown room %s", id)
	}
	msgs, err := c.store.Messages().LatestMessages(ctx, c.account, id, 1)
	if err != nil {
		return fmt.Errorf("failed to load newest message: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	return c.markReadAt(ctx, r, msgs[len(msgs)-1])
}

// MarkReadMessage moves the room's read marker to a specific message.
func (c *Client) MarkReadMessage(ctx context.Context, id RoomID, target MessageID) error {
	r := c.getRoom(id)
	if r == nil {
		return fmt.Errorf("unknown room %s", id)
	}
	msg, err := c.store.Messages().GetMessage(ctx, c.account, id, target)
	if err != nil {
		return fmt.Errorf("failed to load message: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("unknown message %s in %s", target, id)
	}
	return c.markReadAt(ctx, r, msg)
}

// markReadAt persists the archive reference of target as the read marker.
// When the target never got an archive ID, the marker falls back to the
// last received message at or before the target's timestamp.
func (c *Client) markReadAt(ctx context.Context, r *room, target *StoredMessage) error {
	ref := target
	if ref.ArchiveID == "" {
		fallback, err := c.store.Messages().LastReceivedMessage(ctx, c.account, r.id, &target.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to resolve read marker: %w", err)
		}
		if fallback == nil || fallback.ArchiveID == "" {
			return nil
		}
		ref = fallback
	}

	c.roomsLock.Lock()
	prevID := r.lastReadID
	if r.lastReadID == ref.ArchiveID && r.unreadCount == 0 && r.mentionCount == 0 {
		c.roomsLock.Unlock()
		return nil
	}
	r.lastReadID = ref.ArchiveID
	r.lastReadTime = ref.Timestamp
	r.unreadCount = 0
	r.mentionCount = 0
	id := r.id
	c.roomsLock.Unlock()

	c.persistRoom(ctx, r)

	// The read marker moved between two messages; both need re-rendering.
	var updated []MessageID
	if prevID != "" {
		if prev, err := c.store.Messages().GetMessageByArchiveID(ctx, c.account, id, prevID); err == nil && prev != nil {
			updated = append(updated, prev.ID)
		}
	}
	updated = append(updated, ref.ID)
	c.sink.HandleEvent(&MessagesUpdatedEvent{Room: id, Messages: updated})
	c.emitSidebarChanged()
	return nil
}

// SetFocusedRoom marks the room the user is looking at. Incoming messages
// there stop counting as unread. Pass an empty ID to clear.
func (c *Client) SetFocusedRoom(id RoomID) {
	c.roomsLock.Lock()
	c.focusedRoom = id
	c.roomsLock.Unlock()
}

// SaveDraft stores the unsent input text of a room.
func (c *Client) SaveDraft(ctx context.Context, id RoomID, text string) error {
	r := c.getRoom(id)
	if r == nil {
		return fmt.Errorf("unknown room %s", id)
	}
	c.roomsLock.Lock()
	if r.draft == text {
		c.roomsLock.Unlock()
		return nil
	}
	r.draft = text
	c.roomsLock.Unlock()
	c.persistRoom(ctx, r)
	return nil
}

// Draft returns the unsent input text of a room.
func (c *Client) Draft(id RoomID) string {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()
	if r, ok := c.rooms[id]; ok {
		return r.draft
	}
	return ""
}

// SetMuted silences sidebar sorting and highlight for a room.
func (c *Client) SetMuted(ctx context.Context, id RoomID, muted bool) error {
	r := c.getRoom(id)
	if r == nil {
		return fmt.Errorf("unknown room %s", id)
	}
	c.roomsLock.Lock()
	r.muted = muted
	c.roomsLock.Unlock()
	c.persistRoom(ctx, r)
	c.emitSidebarChanged()
	return nil
}

func (c *Client) persistRoom(ctx context.Context, r *room) {
	c.roomsLock.RLock()
	stored := r.toStored()
	c.roomsLock.RUnlock()
	if err := c.store.Rooms().UpsertRoom(ctx, c.account, stored); err != nil {
		c.log.Warn().Err(err).Str("room_id", string(stored.ID)).Msg("Failed to persist room")
	}
}

// loadRooms seeds the runtime room set from the local cache.
func (c *Client) loadRooms(ctx context.Context) error {
	stored, err := c.store.Rooms().ListRooms(ctx, c.account)
	if err != nil {
		return fmt.Errorf("failed to load cached rooms: %w", err)
	}
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()
	for _, sr := range stored {
		if _, ok := c.rooms[sr.ID]; !ok {
			c.rooms[sr.ID] = roomFromStored(sr)
		}
	}
	return nil
}
