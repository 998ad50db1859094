// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package engine

import (
	"context"
	"strings"

	"github.com/aiku/parley/pkg/engine/mention"
)

// dispatch routes one inbound stanza. It runs on the processor goroutine,
// so handlers may block on requests of their own but never consume the
// event stream directly.
func (c *Client) dispatch(st Stanza) {
	switch st := st.(type) {
	case *IQStanza:
		c.handleIQ(st)
	case *PresenceStanza:
		c.handlePresence(st)
	case *MessageStanza:
		c.handleMessage(st)
	default:
		c.log.Debug().Str("stanza_id", st.StanzaID()).Msg("Dropping stanza of unknown kind")
	}
}

func (c *Client) handleIQ(st *IQStanza) {
	switch st.Type {
	case IQResult, IQError:
		c.correlator.resolve(st)
	case IQGet:
		if st.Payload.Ping {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout())
			defer cancel()
			err := c.sendStanza(ctx, &IQStanza{ID: st.ID, Type: IQResult, To: st.From})
			if err != nil {
				c.log.Debug().Err(err).Msg("Failed to answer ping")
			}
			return
		}
		c.log.Debug().Str("stanza_id", st.ID).Msg("Dropping unsupported query")
	case IQSet:
		switch {
		case st.Payload.DeviceList != nil:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout())
			defer cancel()
			c.sessions.handleDeviceList(ctx, st.Payload.DeviceList)
		case st.Payload.Bookmarks != nil:
			// Autojoins from the sync wait on join presences that this
			// goroutine dispatches, so the sync runs on its own. Every
			// blocking step inside has its own deadline.
			go c.handleBookmarksSync(context.Background(), st.Payload.Bookmarks)
		default:
			c.log.Debug().Str("stanza_id", st.ID).Msg("Dropping unsupported push")
		}
	}
}

func (c *Client) handlePresence(st *PresenceStanza) {
	r := c.getRoom(RoomID(st.From.Bare))
	if r == nil {
		return
	}
	c.roomsLock.RLock()
	multi := r.kind.IsMultiParty()
	c.roomsLock.RUnlock()
	if multi {
		c.handleRoomPresence(st)
		return
	}
	c.handleContactPresence(r, st)
}

// handleContactPresence tracks the reachability of a direct conversation
// peer.
func (c *Client) handleContactPresence(r *room, st *PresenceStanza) {
	user := st.From.User()
	local, _ := ParseUserID(user)
	c.roomsLock.Lock()
	p, ok := r.participants[local]
	if !ok {
		p = &Participant{Nick: local, User: user}
		r.participants[local] = p
	}
	if st.Type == PresenceUnavailable {
		p.Availability = AvailabilityUnavailable
		p.Composing = false
	} else {
		p.Availability = st.Availability
		if p.Availability == AvailabilityUnknown {
			p.Availability = AvailabilityAvailable
		}
	}
	id := r.id
	c.roomsLock.Unlock()
	c.sink.HandleEvent(&ParticipantsChangedEvent{Room: id})
}

// handleMessage folds one live message stanza into the engine. Messages
// arriving before the session is fully connected are deferred and
// replayed in arrival order afterwards.
func (c *Client) handleMessage(st *MessageStanza) {
	if c.State() != StateConnected {
		c.deferredLock.Lock()
		c.deferred = append(c.deferred, st)
		c.deferredLock.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout())
	defer cancel()

	if st.Error != nil {
		c.log.Warn().
			Str("message_id", string(st.ID)).
			Str("condition", st.Error.Condition).
			Msg("Message was rejected by the server")
		return
	}
	if st.Encrypted != nil && st.Body == "" {
		c.sessions.decryptMessage(ctx, st, true)
	}

	direct := st.Type != MessageGroupChat
	roomID := RoomID(st.From.Bare)
	if direct && isEcho(st, c.account) {
		roomID = RoomID(st.To.Bare)
	}

	if st.Compose != nil && !st.IsContent() && !isMutation(st) {
		c.handleComposeState(st, roomID)
		return
	}
	if st.Subject != nil && !st.IsContent() && !isMutation(st) {
		c.handleSubject(st, roomID)
		return
	}
	if !st.IsContent() && !isMutation(st) {
		return
	}

	var r *room
	if direct {
		peer := st.From.User()
		if isEcho(st, c.account) {
			peer = st.To.User()
		}
		r = c.ensureDirectRoom(ctx, peer)
	} else {
		r = c.getRoom(roomID)
		if r == nil {
			c.log.Debug().Str("room_id", string(roomID)).Msg("Dropping message for unknown room")
			return
		}
		c.clearCompose(r, st.From.Part)
	}

	existing := c.loadMergeWindow(ctx, roomID, st)
	existing, buffered := c.mergeHistory(ctx, r, existing, []*MessageStanza{st}, nil)
	if len(buffered) > 0 {
		_, buffered = c.resolveFromCache(ctx, r, existing, buffered)
	}
	if len(buffered) > 0 {
		c.reconciler.dropBuffered(roomID, buffered)
	}
}

// loadMergeWindow pulls the cached rows a single live stanza could
// touch: its own earlier copy and the target of its mutation.
func (c *Client) loadMergeWindow(ctx context.Context, roomID RoomID, st *MessageStanza) []*StoredMessage {
	var window []*StoredMessage
	seen := make(map[MessageID]bool)
	add := func(msg *StoredMessage) {
		if msg != nil && !seen[msg.ID] {
			window = append(window, msg)
			seen[msg.ID] = true
		}
	}
	if msg, err := c.store.Messages().GetMessage(ctx, c.account, roomID, st.ID); err == nil {
		add(msg)
	}
	if st.Archive != nil {
		if msg, err := c.store.Messages().GetMessageByArchiveID(ctx, c.account, roomID, st.Archive.ID); err == nil {
			add(msg)
		}
	}
	if target := mutationTarget(st); target != "" {
		if msg, err := c.store.Messages().GetMessage(ctx, c.account, roomID, target); err == nil {
			add(msg)
		}
	}
	return window
}

func (c *Client) handleComposeState(st *MessageStanza, roomID RoomID) {
	r := c.getRoom(roomID)
	if r == nil {
		return
	}
	nick := st.From.Part
	if st.Type != MessageGroupChat {
		nick, _ = ParseUserID(st.From.User())
	}
	c.roomsLock.Lock()
	p, ok := r.participants[nick]
	if !ok {
		p = &Participant{Nick: nick, Availability: AvailabilityAvailable}
		if st.Type != MessageGroupChat {
			p.User = st.From.User()
		}
		r.participants[nick] = p
	}
	composing := *st.Compose == ComposeActive
	changed := p.Composing != composing
	p.Composing = composing
	id := r.id
	c.roomsLock.Unlock()
	if changed {
		c.sink.HandleEvent(&ParticipantsChangedEvent{Room: id})
	}
}

func (c *Client) clearCompose(r *room, nick string) {
	c.roomsLock.Lock()
	p, ok := r.participants[nick]
	changed := ok && p.Composing
	if changed {
		p.Composing = false
	}
	id := r.id
	c.roomsLock.Unlock()
	if changed {
		c.sink.HandleEvent(&ParticipantsChangedEvent{Room: id})
	}
}

func (c *Client) handleSubject(st *MessageStanza, roomID RoomID) {
	r := c.getRoom(roomID)
	if r == nil {
		return
	}
	c.roomsLock.Lock()
	changed := r.topic != *st.Subject
	r.topic = *st.Subject
	id := r.id
	c.roomsLock.Unlock()
	if changed {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout())
		c.persistRoom(ctx, r)
		cancel()
		c.sink.HandleEvent(&RoomAttributesChangedEvent{Room: id})
	}
}

// ensureDirectRoom makes the direct conversation with peer exist and be
// live. Direct rooms need no handshake; they are joined by definition.
func (c *Client) ensureDirectRoom(ctx context.Context, peer UserID) *room {
	id := RoomID(peer)
	r := c.ensureRoom(id, RoomKindDirect)
	c.roomsLock.Lock()
	r.kind = RoomKindDirect
	if r.name == "" {
		local, _ := ParseUserID(peer)
		r.name = local
	}
	fresh := r.state != RoomJoined
	c.roomsLock.Unlock()
	if fresh {
		c.setRoomState(r, RoomJoined, nil)
		c.persistRoom(ctx, r)
		if err := c.ensureBookmark(ctx, r); err != nil {
			c.log.Warn().Err(err).Str("room_id", string(id)).Msg("Failed to save bookmark")
		}
	}
	return r
}

// mentionedIn reports whether a message addresses us, either through an
// explicit mention reference or by naming our nick or address in the
// body.
func (c *Client) mentionedIn(r *room, st *MessageStanza) bool {
	for _, user := range st.Mentions {
		if user == c.account {
			return true
		}
	}
	return c.mentionsSelf(r, st.Body)
}

func (c *Client) mentionsSelf(r *room, body string) bool {
	if body == "" {
		return false
	}
	c.roomsLock.RLock()
	nick := r.nick
	c.roomsLock.RUnlock()
	local, _ := ParseUserID(c.account)
	for _, m := range mention.Scan(body) {
		if strings.EqualFold(m.Value, nick) || strings.EqualFold(m.Value, local) {
			return true
		}
	}
	return false
}
