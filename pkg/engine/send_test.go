// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package engine

import (
	"context"
	"strings"
	"testing"
)

// TestSendMessage_CachesBeforeSending verifies the optimistic local copy,
// the append event, and the wire stanza for a room message.
func TestSendMessage_CachesBeforeSending(t *testing.T) {
	t.Parallel()
	tc := newConnectedClient(t)
	joinedTestRoom(t, tc)
	tc.transport.Reset()
	tc.sink.Reset()

	id, err := tc.SendMessage(context.Background(), testRoom, "hello crew")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	msg, err := tc.store.GetMessage(context.Background(), testAccount, testRoom, id)
	if err != nil || msg == nil {
		t.Fatalf("cached message: %+v, %v", msg, err)
	}
	if msg.Sender != testAccount || msg.SenderNick != "ally" || msg.Body != "hello crew" {
		t.Fatalf("cached message: %+v", msg)
	}
	if msg.Timestamp.IsZero() {
		t.Fatal("cached message has no timestamp")
	}

	appended := false
	for _, evt := range tc.sink.Events() {
		if e, ok := evt.(*MessagesAppendedEvent); ok && e.Room == testRoom {
			if len(e.Messages) == 1 && e.Messages[0] == id {
				appended = true
			}
		}
	}
	if !appended {
		t.Fatal("no append event for the sent message")
	}

	sent := tc.transport.SentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d message stanzas, want 1", len(sent))
	}
	st := sent[0]
	if st.ID != id || st.Type != MessageGroupChat || st.To.Bare != string(testRoom) || st.Body != "hello crew" {
		t.Fatalf("wire stanza: %+v", st)
	}
}

// TestSendMessage_DirectUsesChatType verifies direct conversations send
// plain chat stanzas addressed to the peer.
func TestSendMessage_DirectUsesChatType(t *testing.T) {
	t.Parallel()
	tc := newConnectedClient(t)
	if _, err := tc.StartDirectChat(context.Background(), testPeer); err != nil {
		t.Fatalf("StartDirectChat: %v", err)
	}
	tc.transport.Reset()

	if _, err := tc.SendMessage(context.Background(), RoomID(testPeer), "lunch?"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	sent := tc.transport.SentMessages()
	if len(sent) != 1 || sent[0].Type != MessageChat || sent[0].To.Bare != string(testPeer) {
		t.Fatalf("wire stanza: %+v", sent)
	}
}

// TestSendMessage_Guards verifies the disconnected and unknown-room
// failure modes.
func TestSendMessage_Guards(t *testing.T) {
	t.Parallel()
	tc := newTestClient(t)
	if _, err := tc.SendMessage(context.Background(), testRoom, "hi"); err != ErrDisconnected {
		t.Fatalf("got %v, want ErrDisconnected", err)
	}

	tc.connect(t)
	_, err := tc.SendMessage(context.Background(), "nowhere@muc.example.com", "hi")
	if err == nil || !strings.Contains(err.Error(), "unknown room") {
		t.Fatalf("got %v, want unknown room error", err)
	}
}

// TestSendCorrection verifies the local rewrite, the pending-edit mark,
// and the correction stanza.
func TestSendCorrection(t *testing.T) {
	t.Parallel()
	tc := newConnectedClient(t)
	joinedTestRoom(t, tc)

	id, err := tc.SendMessage(context.Background(), testRoom, "first draft")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	tc.transport.Reset()
	tc.sink.Reset()

	if err := tc.SendCorrection(context.Background(), testRoom, id, "final text"); err != nil {
		t.Fatalf("SendCorrection: %v", err)
	}

	msg, _ := tc.store.GetMessage(context.Background(), testAccount, testRoom, id)
	if msg == nil || msg.Body != "final text" || !msg.Edited || !msg.PendingEdit {
		t.Fatalf("corrected row: %+v", msg)
	}
	updated := false
	for _, evt := range tc.sink.Events() {
		if e, ok := evt.(*MessagesUpdatedEvent); ok && e.Room == testRoom {
			for _, m := range e.Messages {
				if m == id {
					updated = true
				}
			}
		}
	}
	if !updated {
		t.Fatal("no update event for the correction")
	}
	sent := tc.transport.SentMessages()
	if len(sent) != 1 || sent[0].ReplaceID != id || sent[0].Body != "final text" {
		t.Fatalf("wire stanza: %+v", sent)
	}
}

// TestSendCorrection_EchoClearsPendingEdit verifies the server echo
// settles a locally-pending correction.
func TestSendCorrection_EchoClearsPendingEdit(t *testing.T) {
	t.Parallel()
	tc := newConnectedClient(t)
	if _, err := tc.StartDirectChat(context.Background(), testPeer); err != nil {
		t.Fatalf("StartDirectChat: %v", err)
	}
	id, err := tc.SendMessage(context.Background(), RoomID(testPeer), "v1")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := tc.SendCorrection(context.Background(), RoomID(testPeer), id, "v2"); err != nil {
		t.Fatalf("SendCorrection: %v", err)
	}

	tc.transport.inject(&MessageStanza{
		ID:        NewMessageID(),
		From:      Address{Bare: string(testAccount), Part: "laptop"},
		To:        Address{Bare: string(testPeer)},
		Type:      MessageChat,
		Body:      "v2",
		ReplaceID: id,
	})
	waitUntil(t, "the pending edit to settle", func() bool {
		msg, _ := tc.store.GetMessage(context.Background(), testAccount, RoomID(testPeer), id)
		return msg != nil && !msg.PendingEdit && msg.Edited && msg.Body == "v2"
	})
}

// TestSendCorrection_RejectsForeignMessage verifies only our own messages
// can be corrected or retracted.
func TestSendCorrection_RejectsForeignMessage(t *testing.T) {
	t.Parallel()
	tc := newConnectedClient(t)
	joinedTestRoom(t, tc)

	tc.transport.inject(groupchatMessage(testRoom, "bob", "theirs", "bob's words"))
	waitUntil(t, "bob's message", func() bool {
		msg, _ := tc.store.GetMessage(context.Background(), testAccount, testRoom, "theirs")
		return msg != nil
	})

	err := tc.SendCorrection(context.Background(), testRoom, "theirs", "rewritten")
	if err == nil || !strings.Contains(err.Error(), "not sent by us") {
		t.Fatalf("got %v, want ownership error", err)
	}
	err = tc.SendRetraction(context.Background(), testRoom, "missing")
	if err == nil || !strings.Contains(err.Error(), "unknown message") {
		t.Fatalf("got %v, want unknown message error", err)
	}
}

// TestSendRetraction verifies the local row is blanked and the retraction
// goes out.
func TestSendRetraction(t *testing.T) {
	t.Parallel()
	tc := newConnectedClient(t)
	joinedTestRoom(t, tc)

	id, err := tc.SendMessage(context.Background(), testRoom, "oops")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := tc.ToggleReaction(context.Background(), testRoom, id, "🎉"); err != nil {
		t.Fatalf("ToggleReaction: %v", err)
	}
	tc.transport.Reset()
	tc.sink.Reset()

	if err := tc.SendRetraction(context.Background(), testRoom, id); err != nil {
		t.Fatalf("SendRetraction: %v", err)
	}

	msg, _ := tc.store.GetMessage(context.Background(), testAccount, testRoom, id)
	if msg == nil || !msg.Retracted || msg.Body != "" || len(msg.Reactions) != 0 {
		t.Fatalf("retracted row: %+v", msg)
	}
	deleted := false
	for _, evt := range tc.sink.Events() {
		if e, ok := evt.(*MessagesDeletedEvent); ok && e.Room == testRoom {
			for _, m := range e.Messages {
				if m == id {
					deleted = true
				}
			}
		}
	}
	if !deleted {
		t.Fatal("no delete event for the retraction")
	}
	sent := tc.transport.SentMessages()
	if len(sent) != 1 || sent[0].RetractID != id || sent[0].Body != "" {
		t.Fatalf("wire stanza: %+v", sent)
	}
}

// TestToggleReaction verifies the wire update always carries the full
// remaining set of our reactions.
func TestToggleReaction(t *testing.T) {
	t.Parallel()
	tc := newConnectedClient(t)
	joinedTestRoom(t, tc)

	tc.transport.inject(groupchatMessage(testRoom, "bob", "m1", "shipped!"))
	waitUntil(t, "the message", func() bool {
		msg, _ := tc.store.GetMessage(context.Background(), testAccount, testRoom, "m1")
		return msg != nil
	})

	lastReaction := func() *ReactionUpdate {
		var upd *ReactionUpdate
		for _, st := range tc.transport.SentMessages() {
			if st.Reaction != nil {
				upd = st.Reaction
			}
		}
		return upd
	}

	if err := tc.ToggleReaction(context.Background(), testRoom, "m1", "👍"); err != nil {
		t.Fatalf("ToggleReaction: %v", err)
	}
	upd := lastReaction()
	if upd == nil || upd.Target != "m1" || len(upd.Emojis) != 1 || upd.Emojis[0] != "👍" {
		t.Fatalf("reaction update: %+v", upd)
	}

	if err := tc.ToggleReaction(context.Background(), testRoom, "m1", "🎉"); err != nil {
		t.Fatalf("ToggleReaction: %v", err)
	}
	upd = lastReaction()
	if upd == nil || len(upd.Emojis) != 2 || upd.Emojis[0] != "👍" || upd.Emojis[1] != "🎉" {
		t.Fatalf("reaction update: %+v", upd)
	}

	// Toggling off removes only that emoji.
	if err := tc.ToggleReaction(context.Background(), testRoom, "m1", "👍"); err != nil {
		t.Fatalf("ToggleReaction: %v", err)
	}
	upd = lastReaction()
	if upd == nil || len(upd.Emojis) != 1 || upd.Emojis[0] != "🎉" {
		t.Fatalf("reaction update: %+v", upd)
	}
	msg, _ := tc.store.GetMessage(context.Background(), testAccount, testRoom, "m1")
	if len(msg.Reactions) != 1 || msg.Reactions[0].Emoji != "🎉" || len(msg.Reactions[0].From) != 1 {
		t.Fatalf("stored reactions: %+v", msg.Reactions)
	}
}

// TestSetComposing verifies typing notifications go out as chat states.
func TestSetComposing(t *testing.T) {
	t.Parallel()
	tc := newConnectedClient(t)
	joinedTestRoom(t, tc)
	tc.transport.Reset()

	if err := tc.SetComposing(context.Background(), testRoom, true); err != nil {
		t.Fatalf("SetComposing: %v", err)
	}
	if err := tc.SetComposing(context.Background(), testRoom, false); err != nil {
		t.Fatalf("SetComposing: %v", err)
	}

	sent := tc.transport.SentMessages()
	if len(sent) != 2 {
		t.Fatalf("sent %d stanzas, want 2", len(sent))
	}
	if sent[0].Compose == nil || *sent[0].Compose != ComposeActive || sent[0].Type != MessageGroupChat {
		t.Fatalf("first stanza: %+v", sent[0])
	}
	if sent[1].Compose == nil || *sent[1].Compose != ComposeIdle {
		t.Fatalf("second stanza: %+v", sent[1])
	}
}

// TestSetRoomTopic verifies topics go to multi-party rooms only.
func TestSetRoomTopic(t *testing.T) {
	t.Parallel()
	tc := newConnectedClient(t)
	joinedTestRoom(t, tc)
	tc.transport.Reset()

	if err := tc.SetRoomTopic(context.Background(), testRoom, "release party"); err != nil {
		t.Fatalf("SetRoomTopic: %v", err)
	}
	sent := tc.transport.SentMessages()
	if len(sent) != 1 || sent[0].Subject == nil || *sent[0].Subject != "release party" {
		t.Fatalf("wire stanza: %+v", sent)
	}

	if _, err := tc.StartDirectChat(context.Background(), testPeer); err != nil {
		t.Fatalf("StartDirectChat: %v", err)
	}
	err := tc.SetRoomTopic(context.Background(), RoomID(testPeer), "no")
	if err == nil || !strings.Contains(err.Error(), "has no topic") {
		t.Fatalf("got %v, want topic error", err)
	}
}
