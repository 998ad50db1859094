// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package engine

import (
	"context"
	"fmt"
)

// sendStanza pushes one stanza to the transport. It fails fast with
// ErrDisconnected while no authenticated stream exists.
func (c *Client) sendStanza(ctx context.Context, st Stanza) error {
	switch c.State() {
	case StateDisconnected, StateConnecting:
		return ErrDisconnected
	}
	if err := c.transport.Send(ctx, st); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

// request runs one request/response exchange: it registers the pending
// request, sends the query, and waits for the matched response within the
// configured timeout. Error-typed responses come back as ProtocolError.
func (c *Client) request(ctx context.Context, iq *IQStanza) (*IQStanza, error) {
	switch c.State() {
	case StateDisconnected, StateConnecting:
		return nil, ErrDisconnected
	}
	if iq.ID == "" {
		iq.ID = NewRequestID()
	}
	ch := c.correlator.submit(iq.ID, c.cfg.RequestTimeout())
	if err := c.transport.Send(ctx, iq); err != nil {
		c.correlator.complete(iq.ID, requestResult{err: err})
		return nil, &TransportError{Err: err}
	}
	st, err := c.correlator.await(ctx, iq.ID, ch)
	if err != nil {
		return nil, err
	}
	res, ok := st.(*IQStanza)
	if !ok {
		return nil, &ProtocolError{Op: payloadName(iq), Condition: "mismatched response kind"}
	}
	if res.Type == IQError {
		condition := "undefined-condition"
		if res.Error != nil {
			condition = res.Error.Condition
		}
		return nil, &ProtocolError{Op: payloadName(iq), Condition: condition}
	}
	return res, nil
}

func payloadName(iq *IQStanza) string {
	p := iq.Payload
	switch {
	case p.Ping:
		return "ping"
	case p.EntityTime != nil:
		return "time"
	case p.Disco != nil:
		return "disco"
	case p.Bookmarks != nil:
		return "bookmarks"
	case p.HistoryQuery != nil:
		return "history"
	case p.Members != nil:
		return "members"
	case p.DeviceList != nil:
		return "devices"
	case p.BundleQuery != nil, p.Bundle != nil:
		return "bundle"
	case p.CarbonsEnable:
		return "carbons"
	default:
		return "iq"
	}
}

// SendMessage sends a message body to a room and caches it optimistically.
// In rooms with encryption enabled the body is sealed first; nothing
// reaches the network when that fails.
func (c *Client) SendMessage(ctx context.Context, roomID RoomID, body string) (MessageID, error) {
	if c.State() != StateConnected {
		return "", ErrDisconnected
	}
	r := c.getRoom(roomID)
	if r == nil {
		return "", fmt.Errorf("unknown room %s", roomID)
	}
	st, err := c.buildOutgoing(ctx, r, body)
	if err != nil {
		return "", err
	}

	c.roomsLock.RLock()
	nick := r.nick
	c.roomsLock.RUnlock()
	msg := &StoredMessage{
		ID:         st.ID,
		Room:       roomID,
		Sender:     c.account,
		SenderNick: nick,
		Body:       body,
		Timestamp:  c.now(),
	}
	if err := c.store.Messages().UpsertMessages(ctx, c.account, []*StoredMessage{msg}); err != nil {
		return "", fmt.Errorf("failed to cache message: %w", err)
	}
	c.sink.HandleEvent(&MessagesAppendedEvent{Room: roomID, Messages: []MessageID{st.ID}})

	if err := c.sendStanza(ctx, st); err != nil {
		return "", err
	}
	return st.ID, nil
}

// SendCorrection replaces the body of an earlier message of ours. The
// local row keeps a pending-edit mark until the server echoes the
// correction back.
func (c *Client) SendCorrection(ctx context.Context, roomID RoomID, target MessageID, body string) error {
	r, msg, err := c.ownMessage(ctx, roomID, target)
	if err != nil {
		return err
	}
	st, err := c.buildOutgoing(ctx, r, body)
	if err != nil {
		return err
	}
	st.ReplaceID = target

	msg.Body = body
	msg.Edited = true
	msg.PendingEdit = true
	if err := c.store.Messages().UpsertMessages(ctx, c.account, []*StoredMessage{msg}); err != nil {
		return fmt.Errorf("failed to cache correction: %w", err)
	}
	c.sink.HandleEvent(&MessagesUpdatedEvent{Room: roomID, Messages: []MessageID{target}})
	return c.sendStanza(ctx, st)
}

// SendRetraction asks everyone to discard an earlier message of ours and
// clears it locally.
func (c *Client) SendRetraction(ctx context.Context, roomID RoomID, target MessageID) error {
	r, msg, err := c.ownMessage(ctx, roomID, target)
	if err != nil {
		return err
	}
	st := c.newMessageStanza(r)
	st.RetractID = target

	msg.Retracted = true
	msg.Body = ""
	msg.Reactions = nil
	msg.PendingEdit = false
	if err := c.store.Messages().UpsertMessages(ctx, c.account, []*StoredMessage{msg}); err != nil {
		return fmt.Errorf("failed to cache retraction: %w", err)
	}
	c.sink.HandleEvent(&MessagesDeletedEvent{Room: roomID, Messages: []MessageID{target}})
	return c.sendStanza(ctx, st)
}

// ToggleReaction adds or removes our reaction emoji on a message. The
// wire update always carries our full remaining set for the target.
func (c *Client) ToggleReaction(ctx context.Context, roomID RoomID, target MessageID, emoji string) error {
	if c.State() != StateConnected {
		return ErrDisconnected
	}
	r := c.getRoom(roomID)
	if r == nil {
		return fmt.Errorf("unknown room %s", roomID)
	}
	msg, err := c.store.Messages().GetMessage(ctx, c.account, roomID, target)
	if err != nil {
		return fmt.Errorf("failed to load message: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("unknown message %s in %s", target, roomID)
	}
	msg.ToggleReaction(c.account, emoji)
	var mine []string
	for _, reaction := range msg.Reactions {
		for _, from := range reaction.From {
			if from == c.account {
				mine = append(mine, reaction.Emoji)
				break
			}
		}
	}
	if err := c.store.Messages().UpsertMessages(ctx, c.account, []*StoredMessage{msg}); err != nil {
		return fmt.Errorf("failed to cache reaction: %w", err)
	}
	c.sink.HandleEvent(&MessagesUpdatedEvent{Room: roomID, Messages: []MessageID{target}})

	st := c.newMessageStanza(r)
	st.Reaction = &ReactionUpdate{Target: target, Emojis: mine}
	return c.sendStanza(ctx, st)
}

// SetComposing broadcasts our typing state to a room.
func (c *Client) SetComposing(ctx context.Context, roomID RoomID, composing bool) error {
	if c.State() != StateConnected {
		return ErrDisconnected
	}
	r := c.getRoom(roomID)
	if r == nil {
		return fmt.Errorf("unknown room %s", roomID)
	}
	state := ComposeIdle
	if composing {
		state = ComposeActive
	}
	st := c.newMessageStanza(r)
	st.Compose = &state
	return c.sendStanza(ctx, st)
}

// SetRoomTopic changes the subject of a multi-party room.
func (c *Client) SetRoomTopic(ctx context.Context, roomID RoomID, topic string) error {
	if c.State() != StateConnected {
		return ErrDisconnected
	}
	r := c.getRoom(roomID)
	if r == nil {
		return fmt.Errorf("unknown room %s", roomID)
	}
	c.roomsLock.RLock()
	multi := r.kind.IsMultiParty()
	c.roomsLock.RUnlock()
	if !multi {
		return fmt.Errorf("room %s has no topic", roomID)
	}
	st := c.newMessageStanza(r)
	st.Subject = &topic
	return c.sendStanza(ctx, st)
}

// SetEncryptionEnabled switches end-to-end encryption for a room's
// outgoing messages.
func (c *Client) SetEncryptionEnabled(ctx context.Context, roomID RoomID, enabled bool) error {
	r := c.getRoom(roomID)
	if r == nil {
		return fmt.Errorf("unknown room %s", roomID)
	}
	c.roomsLock.Lock()
	r.encryptionEnabled = enabled
	c.roomsLock.Unlock()
	c.persistRoom(ctx, r)
	c.sink.HandleEvent(&RoomAttributesChangedEvent{Room: roomID})
	return nil
}

func (c *Client) newMessageStanza(r *room) *MessageStanza {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()
	st := &MessageStanza{
		ID:   NewMessageID(),
		To:   Address{Bare: string(r.id)},
		Type: MessageChat,
	}
	if r.kind.IsMultiParty() {
		st.Type = MessageGroupChat
	}
	return st
}

// buildOutgoing assembles a content message, sealing the body when the
// room has encryption enabled. Encrypted stanzas leave with an empty
// plaintext body.
func (c *Client) buildOutgoing(ctx context.Context, r *room, body string) (*MessageStanza, error) {
	st := c.newMessageStanza(r)
	c.roomsLock.RLock()
	encrypted := r.encryptionEnabled
	c.roomsLock.RUnlock()
	if !encrypted {
		st.Body = body
		return st, nil
	}
	payload, err := c.sessions.encryptBody(ctx, c.encryptionRecipients(r), body)
	if err != nil {
		return nil, err
	}
	st.Encrypted = payload
	return st, nil
}

// encryptionRecipients lists the identities that must be able to read a
// message to this room: the peer for a direct conversation, every member
// with a known address otherwise.
func (c *Client) encryptionRecipients(r *room) []UserID {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()
	if !r.kind.IsMultiParty() {
		return []UserID{UserID(r.id)}
	}
	seen := make(map[UserID]bool)
	var users []UserID
	for _, p := range r.participants {
		if p.User == "" || seen[p.User] {
			continue
		}
		seen[p.User] = true
		users = append(users, p.User)
	}
	return users
}

func (c *Client) ownMessage(ctx context.Context, roomID RoomID, target MessageID) (*room, *StoredMessage, error) {
	if c.State() != StateConnected {
		return nil, nil, ErrDisconnected
	}
	r := c.getRoom(roomID)
	if r == nil {
		return nil, nil, fmt.Errorf("unknown room %s", roomID)
	}
	msg, err := c.store.Messages().GetMessage(ctx, c.account, roomID, target)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load message: %w", err)
	}
	if msg == nil {
		return nil, nil, fmt.Errorf("unknown message %s in %s", target, roomID)
	}
	if msg.Sender != c.account {
		return nil, nil, fmt.Errorf("message %s was not sent by us", target)
	}
	return r, msg, nil
}
