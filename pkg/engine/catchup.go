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

// catchUpRoom fetches the history the engine missed while offline and
// folds it into the cache. The window starts at the newest of: the last
// completed catch-up, the newest cached message, and the maximum history
// age. Pages are fetched oldest-first until the server reports the end.
func (c *Client) catchUpRoom(ctx context.Context, r *room) error {
	c.stateLock.RLock()
	supported := c.archiveSupported
	c.stateLock.RUnlock()
	if !supported {
		return nil
	}
	c.roomsLock.RLock()
	roomID := r.id
	since := r.lastCatchup
	c.roomsLock.RUnlock()

	if newest, err := c.store.Messages().LatestMessages(ctx, c.account, roomID, 1); err == nil && len(newest) > 0 {
		if ts := newest[len(newest)-1].Timestamp; ts.After(since) {
			since = ts
		}
	}
	if floor := c.now().Add(-c.cfg.MaxHistoryAge()); floor.After(since) {
		since = floor
	}

	existing, err := c.store.Messages().MessagesAfter(ctx, c.account, roomID, since.Add(-c.cfg.MaxHistoryAge()), 0)
	if err != nil {
		return fmt.Errorf("failed to load cached history: %w", err)
	}

	var buffered []*MessageStanza
	var oldestFetched ArchiveID
	query := HistoryQuery{Room: roomID, AfterTime: &since, Limit: c.cfg.CatchupPageSize}
	for {
		page, err := c.fetchHistoryPage(ctx, query)
		if err != nil {
			return err
		}
		existing, buffered = c.mergeHistory(ctx, r, existing, page.Messages, buffered)
		if len(page.Messages) > 0 {
			if first := page.Messages[0]; first.Archive != nil && oldestFetched == "" {
				oldestFetched = first.Archive.ID
			}
			if last := page.Messages[len(page.Messages)-1]; last.Archive != nil {
				query = HistoryQuery{Room: roomID, AfterID: last.Archive.ID, Limit: c.cfg.CatchupPageSize}
			}
		}
		if !page.HasMore || len(page.Messages) == 0 {
			break
		}
	}

	existing, buffered = c.resolveFromCache(ctx, r, existing, buffered)

	// Mutations can target messages older than the fetched window. A
	// bounded number of extra pages reaches further back for them; what
	// remains unresolved after that is dropped.
	for round := 0; round < maxFollowUpFetches && len(buffered) > 0 && oldestFetched != ""; round++ {
		page, err := c.fetchHistoryPage(ctx, HistoryQuery{
			Room:     roomID,
			BeforeID: oldestFetched,
			Limit:    c.cfg.CatchupPageSize,
		})
		if err != nil {
			c.log.Debug().Err(err).Str("room_id", string(roomID)).Msg("Follow-up history fetch failed")
			break
		}
		if len(page.Messages) == 0 {
			break
		}
		if first := page.Messages[0]; first.Archive != nil {
			oldestFetched = first.Archive.ID
		}
		existing, buffered = c.mergeHistory(ctx, r, existing, page.Messages, buffered)
		if !page.HasMore {
			break
		}
	}
	if len(buffered) > 0 {
		c.reconciler.dropBuffered(roomID, buffered)
	}

	c.roomsLock.Lock()
	r.lastCatchup = c.now()
	c.roomsLock.Unlock()
	c.persistRoom(ctx, r)
	return nil
}

// fetchHistoryPage runs one archive query and decrypts its entries.
func (c *Client) fetchHistoryPage(ctx context.Context, query HistoryQuery) (*HistoryPage, error) {
	res, err := c.request(ctx, &IQStanza{
		Type:    IQSet,
		To:      Address{Bare: string(query.Room)},
		Payload: IQPayload{HistoryQuery: &query},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	page := res.Payload.History
	if page == nil {
		return nil, &ProtocolError{Op: "history", Condition: "missing payload"}
	}
	for _, st := range page.Messages {
		if st.Encrypted != nil && st.Body == "" {
			// Archived payloads get no session repair on failure; the
			// row is cached as undecryptable instead.
			c.sessions.decryptMessage(ctx, st, false)
		}
	}
	return page, nil
}

// mergeHistory reconciles one page, persists the changed rows, and emits
// the resulting events. It returns the grown row set and the mutations
// still waiting for their target.
func (c *Client) mergeHistory(ctx context.Context, r *room, existing []*StoredMessage, page []*MessageStanza, buffered []*MessageStanza) ([]*StoredMessage, []*MessageStanza) {
	c.roomsLock.RLock()
	roomID := r.id
	c.roomsLock.RUnlock()
	res := c.reconciler.merge(existing, page, buffered, c.now())
	if len(res.upserts) == 0 {
		return existing, res.buffered
	}
	for i := range res.upserts {
		res.upserts[i].Room = roomID
	}
	if err := c.store.Messages().UpsertMessages(ctx, c.account, res.upserts); err != nil {
		c.log.Err(err).Str("room_id", string(roomID)).Msg("Failed to persist reconciled history")
		return existing, res.buffered
	}

	appended := make(map[MessageID]bool, len(res.appended))
	for _, id := range res.appended {
		appended[id] = true
	}
	byID := make(map[MessageID]*StoredMessage, len(res.upserts))
	for _, up := range res.upserts {
		byID[up.ID] = up
		if appended[up.ID] {
			existing = append(existing, up)
		}
	}
	stanzaByID := make(map[MessageID]*MessageStanza, len(page))
	for _, st := range page {
		stanzaByID[st.ID] = st
	}
	for _, id := range res.appended {
		msg := byID[id]
		if msg == nil {
			continue
		}
		mentioned := false
		if st := stanzaByID[id]; st != nil {
			mentioned = c.mentionedIn(r, st)
		}
		c.noteIncoming(ctx, r, msg, mentioned)
	}

	if len(res.appended) > 0 {
		c.sink.HandleEvent(&MessagesAppendedEvent{Room: roomID, Messages: res.appended})
	}
	if len(res.updated) > 0 {
		c.sink.HandleEvent(&MessagesUpdatedEvent{Room: roomID, Messages: res.updated})
	}
	if len(res.deleted) > 0 {
		c.sink.HandleEvent(&MessagesDeletedEvent{Room: roomID, Messages: res.deleted})
	}
	return existing, res.buffered
}

// resolveFromCache satisfies buffered mutations whose target already sits
// in the local cache outside the reconciled window, without a server
// round-trip.
func (c *Client) resolveFromCache(ctx context.Context, r *room, existing []*StoredMessage, buffered []*MessageStanza) ([]*StoredMessage, []*MessageStanza) {
	if len(buffered) == 0 {
		return existing, buffered
	}
	c.roomsLock.RLock()
	roomID := r.id
	c.roomsLock.RUnlock()

	known := make(map[MessageID]bool, len(existing))
	for _, msg := range existing {
		known[msg.ID] = true
	}
	found := false
	res := reconcileResult{buffered: buffered}
	for _, id := range res.unresolvedTargets() {
		if known[id] {
			continue
		}
		msg, err := c.store.Messages().GetMessage(ctx, c.account, roomID, id)
		if err != nil || msg == nil {
			continue
		}
		existing = append(existing, msg)
		found = true
	}
	if !found {
		return existing, buffered
	}
	return c.mergeHistory(ctx, r, existing, nil, buffered)
}

// now returns the current time adjusted by the server clock offset, so
// read markers and catch-up windows compare against server timestamps.
func (c *Client) now() time.Time {
	c.stateLock.RLock()
	offset := c.serverOffset
	c.stateLock.RUnlock()
	return c.clock.Now().Add(offset)
}
