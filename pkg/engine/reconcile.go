// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package engine

import (
	"time"

	"github.com/rs/zerolog"
)

// maxFollowUpFetches bounds how many targeted history fetches a catch-up
// may run to resolve mutations whose base message was not in the fetched
// window. Mutations still unresolved after that are dropped.
const maxFollowUpFetches = 2

// reconcileResult describes what one merge changed. The caller persists
// upserts, emits events from the ID lists, and feeds buffered back into
// the next round.
type reconcileResult struct {
	// upserts are the rows to write, new and changed.
	upserts []*StoredMessage
	// appended are genuinely new content rows, in arrival order.
	appended []MessageID
	// updated are existing rows changed by this merge.
	updated []MessageID
	// deleted are rows retracted by this merge.
	deleted []MessageID
	// buffered are mutations whose target is still unknown.
	buffered []*MessageStanza
}

// unresolvedTargets returns the distinct message IDs the buffered
// mutations point at.
func (r *reconcileResult) unresolvedTargets() []MessageID {
	seen := make(map[MessageID]bool, len(r.buffered))
	var targets []MessageID
	for _, st := range r.buffered {
		id := mutationTarget(st)
		if id != "" && !seen[id] {
			seen[id] = true
			targets = append(targets, id)
		}
	}
	return targets
}

// reconciler merges fetched history into the cached copy of a room. It is
// a pure transformation: it never touches the store or the network, and
// merging the same page twice yields the same state as merging it once.
type reconciler struct {
	log     zerolog.Logger
	account UserID
}

func newReconciler(log zerolog.Logger, account UserID) *reconciler {
	return &reconciler{
		log:     log.With().Str("component", "reconciler").Logger(),
		account: account,
	}
}

// merge folds one fetched page and any carried-over buffered mutations
// into the existing rows. Identity is the archive ID when both sides have
// one, the message ID otherwise. For base copies the server version wins,
// except that local pending-edit marks survive and an undecryptable copy
// never replaces a readable body. receivedAt is the fallback timestamp for
// stanzas carrying no archive or delay time.
func (r *reconciler) merge(existing []*StoredMessage, page []*MessageStanza, buffered []*MessageStanza, receivedAt time.Time) reconcileResult {
	m := &mergeState{
		reconciler: r,
		receivedAt: receivedAt,
		byID:       make(map[MessageID]*StoredMessage, len(existing)+len(page)),
		byArchive:  make(map[ArchiveID]*StoredMessage, len(existing)+len(page)),
		changed:    make(map[MessageID]bool),
	}
	for _, msg := range existing {
		m.index(msg)
	}

	var mutations []*MessageStanza
	for _, st := range page {
		if isMutation(st) {
			mutations = append(mutations, st)
			continue
		}
		if !st.IsContent() && st.Encrypted == nil {
			continue
		}
		m.mergeBase(st)
	}
	// Mutations apply after all base rows from this page exist, so a
	// correction and its target in the same page resolve regardless of
	// their relative order.
	for _, st := range mutations {
		m.applyMutation(st)
	}
	for _, st := range buffered {
		m.applyMutation(st)
	}

	res := reconcileResult{
		appended: m.appended,
		updated:  m.updatedList(),
		deleted:  m.deleted,
		buffered: m.unapplied,
	}
	for id := range m.changed {
		res.upserts = append(res.upserts, m.byID[id])
	}
	return res
}

// dropBuffered logs and discards mutations that never found their target.
func (r *reconciler) dropBuffered(room RoomID, buffered []*MessageStanza) {
	for _, st := range buffered {
		r.log.Debug().
			Str("room_id", string(room)).
			Str("target_id", string(mutationTarget(st))).
			Msg("Dropping mutation with no known target message")
	}
}

type mergeState struct {
	*reconciler

	receivedAt time.Time
	byID       map[MessageID]*StoredMessage
	byArchive  map[ArchiveID]*StoredMessage

	changed   map[MessageID]bool
	appended  []MessageID
	deleted   []MessageID
	unapplied []*MessageStanza
}

func (m *mergeState) index(msg *StoredMessage) {
	m.byID[msg.ID] = msg
	if msg.ArchiveID != "" {
		m.byArchive[msg.ArchiveID] = msg
	}
}

func (m *mergeState) lookup(st *MessageStanza) *StoredMessage {
	if st.Archive != nil {
		if msg, ok := m.byArchive[st.Archive.ID]; ok {
			return msg
		}
	}
	if msg, ok := m.byID[st.ID]; ok {
		return msg
	}
	return nil
}

func (m *mergeState) mergeBase(st *MessageStanza) {
	incoming := m.toStored(st)
	cur := m.lookup(st)
	if cur == nil {
		m.index(incoming)
		m.changed[incoming.ID] = true
		m.appended = append(m.appended, incoming.ID)
		return
	}
	if m.updateBase(cur, incoming) {
		m.index(cur)
		m.changed[cur.ID] = true
	}
}

// updateBase overwrites cur's server-derived fields from incoming and
// reports whether anything changed.
func (m *mergeState) updateBase(cur, incoming *StoredMessage) bool {
	changed := false
	if incoming.ArchiveID != "" && cur.ArchiveID != incoming.ArchiveID {
		cur.ArchiveID = incoming.ArchiveID
		changed = true
	}
	if incoming.DecryptionFailed && !cur.DecryptionFailed {
		// The cached copy is readable; keep it.
		return changed
	}
	// A corrected body came from a later server mutation, so an older
	// base copy must not revert it.
	if !cur.Edited && !cur.Retracted {
		if cur.Body != incoming.Body {
			cur.Body = incoming.Body
			changed = true
		}
		if cur.DecryptionFailed != incoming.DecryptionFailed {
			cur.DecryptionFailed = incoming.DecryptionFailed
			changed = true
		}
	}
	if !incoming.Timestamp.IsZero() && !cur.Timestamp.Equal(incoming.Timestamp) {
		cur.Timestamp = incoming.Timestamp
		changed = true
	}
	if incoming.Sender != "" && cur.Sender != incoming.Sender {
		cur.Sender = incoming.Sender
		changed = true
	}
	if incoming.SenderNick != "" && cur.SenderNick != incoming.SenderNick {
		cur.SenderNick = incoming.SenderNick
		changed = true
	}
	return changed
}

func (m *mergeState) applyMutation(st *MessageStanza) {
	target := mutationTarget(st)
	cur, ok := m.byID[target]
	if !ok {
		m.unapplied = append(m.unapplied, st)
		return
	}
	sender := m.senderOf(st)
	switch {
	case st.RetractID != "":
		if !cur.Retracted {
			cur.Retracted = true
			cur.Body = ""
			cur.Reactions = nil
			cur.PendingEdit = false
			m.changed[cur.ID] = true
			m.deleted = append(m.deleted, cur.ID)
		}
	case st.ReplaceID != "":
		if cur.Body != st.Body || !cur.Edited {
			cur.Body = st.Body
			cur.Edited = true
			cur.DecryptionFailed = false
			m.changed[cur.ID] = true
		}
		if sender == m.account && cur.PendingEdit {
			cur.PendingEdit = false
			m.changed[cur.ID] = true
		}
	case st.Reaction != nil:
		before := len(cur.Reactions)
		cur.SetReactions(sender, st.Reaction.Emojis)
		if len(cur.Reactions) != before || len(st.Reaction.Emojis) > 0 {
			m.changed[cur.ID] = true
		}
	}
}

func (m *mergeState) updatedList() []MessageID {
	appended := make(map[MessageID]bool, len(m.appended))
	for _, id := range m.appended {
		appended[id] = true
	}
	var updated []MessageID
	for id := range m.changed {
		if !appended[id] {
			updated = append(updated, id)
		}
	}
	return updated
}

func (m *mergeState) toStored(st *MessageStanza) *StoredMessage {
	msg := &StoredMessage{
		ID:        st.ID,
		Room:      RoomID(st.From.Bare),
		Body:      st.Body,
		Timestamp: st.EffectiveTime(m.receivedAt),
	}
	if st.Archive != nil {
		msg.ArchiveID = st.Archive.ID
	}
	msg.Sender, msg.SenderNick = senderIdentity(st)
	// An encrypted payload whose body never materialized failed to
	// decrypt upstream.
	if st.Encrypted != nil && st.Body == "" {
		msg.DecryptionFailed = true
	}
	if isEcho(st, m.account) {
		msg.Sender = m.account
		msg.Room = RoomID(st.To.Bare)
	}
	return msg
}

func (m *mergeState) senderOf(st *MessageStanza) UserID {
	if isEcho(st, m.account) {
		return m.account
	}
	user, _ := senderIdentity(st)
	return user
}

// senderIdentity resolves a stanza's sender to a stable identity plus a
// display nick. Groupchat senders without a disclosed real address get a
// synthetic occupant identity so reactions from distinct occupants stay
// distinct.
func senderIdentity(st *MessageStanza) (UserID, string) {
	if st.Type == MessageGroupChat {
		nick := st.From.Part
		if st.RealUser != "" {
			return st.RealUser, nick
		}
		return UserID(st.From.String()), nick
	}
	user := st.From.User()
	local, _ := ParseUserID(user)
	return user, local
}

// isEcho reports whether a direct-chat stanza is our own outbound message
// coming back, either as a sent carbon or as the original echo.
func isEcho(st *MessageStanza, account UserID) bool {
	if st.Type == MessageGroupChat {
		return false
	}
	return st.Carbon == CarbonSent || st.From.User() == account
}

// isMutation reports whether the stanza edits, retracts, or reacts to an
// earlier message rather than carrying new content.
func isMutation(st *MessageStanza) bool {
	return st.ReplaceID != "" || st.RetractID != "" || st.Reaction != nil
}

func mutationTarget(st *MessageStanza) MessageID {
	switch {
	case st.ReplaceID != "":
		return MessageID(st.ReplaceID)
	case st.RetractID != "":
		return MessageID(st.RetractID)
	case st.Reaction != nil:
		return st.Reaction.Target
	}
	return ""
}
