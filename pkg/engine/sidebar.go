// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package engine

import (
	"context"
	"fmt"
	"sort"
)

// SidebarSection groups sidebar items for display.
type SidebarSection int

const (
	SectionFavorites SidebarSection = iota
	SectionDirectMessages
	SectionChannels
)

func (s SidebarSection) String() string {
	switch s {
	case SectionFavorites:
		return "favorites"
	case SectionDirectMessages:
		return "direct messages"
	case SectionChannels:
		return "channels"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// SidebarItem is one row of the sidebar projection.
type SidebarItem struct {
	Room    RoomID
	Name    string
	Kind    RoomKind
	Section SidebarSection

	Favorite     bool
	HasDraft     bool
	Muted        bool
	UnreadCount  int
	MentionCount int

	State RoomState
	Err   error
}

// Sidebar projects the current bookmark set and room states into display
// rows. The projection derives everything from those two inputs; it holds
// no state of its own. Rows are grouped favorites first, then direct
// conversations, then channels, each sorted by name.
func (c *Client) Sidebar(ctx context.Context) ([]SidebarItem, error) {
	bookmarks, err := c.store.Bookmarks().ListBookmarks(ctx, c.account)
	if err != nil {
		return nil, fmt.Errorf("failed to load bookmarks: %w", err)
	}
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	var items []SidebarItem
	for _, bm := range bookmarks {
		if !bm.InSidebar {
			continue
		}
		item := SidebarItem{
			Room:     bm.Room,
			Name:     bm.Name,
			Kind:     bm.Kind,
			Favorite: bm.Favorite,
		}
		if r, ok := c.rooms[bm.Room]; ok {
			if r.name != "" {
				item.Name = r.name
			}
			if r.kind != RoomKindGeneric {
				item.Kind = r.kind
			}
			item.HasDraft = r.draft != ""
			item.Muted = r.muted
			item.UnreadCount = r.unreadCount
			item.MentionCount = r.mentionCount
			item.State = r.state
			item.Err = r.err
		}
		if item.Name == "" {
			item.Name = string(bm.Room)
		}
		switch {
		case item.Favorite:
			item.Section = SectionFavorites
		case item.Kind == RoomKindDirect || item.Kind == RoomKindGroup:
			item.Section = SectionDirectMessages
		default:
			item.Section = SectionChannels
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Section != items[j].Section {
			return items[i].Section < items[j].Section
		}
		return items[i].Name < items[j].Name
	})
	return items, nil
}

func (c *Client) emitSidebarChanged() {
	c.sink.HandleEvent(&SidebarChangedEvent{})
}

// ensureBookmark records a joined room in the bookmark set and publishes
// the change.
func (c *Client) ensureBookmark(ctx context.Context, r *room) error {
	c.roomsLock.RLock()
	bm := Bookmark{
		Room:      r.id,
		Name:      r.name,
		Kind:      r.kind,
		Nick:      r.nick,
		InSidebar: true,
		AutoJoin:  true,
	}
	c.roomsLock.RUnlock()

	existing, err := c.store.Bookmarks().ListBookmarks(ctx, c.account)
	if err != nil {
		return fmt.Errorf("failed to load bookmarks: %w", err)
	}
	for _, cur := range existing {
		if cur.Room == bm.Room {
			if cur.InSidebar && cur.AutoJoin && cur.Nick == bm.Nick {
				return nil
			}
			bm.Favorite = cur.Favorite
			break
		}
	}
	if err := c.store.Bookmarks().PutBookmark(ctx, c.account, bm); err != nil {
		return fmt.Errorf("failed to save bookmark: %w", err)
	}
	c.emitSidebarChanged()
	return c.publishBookmarks(ctx)
}

// RemoveFromSidebar takes a room out of the sidebar and leaves it. Rooms
// that exist independently of our membership (direct conversations and
// public channels) lose their bookmark entirely; member-only rooms keep a
// hidden bookmark so they can be found and rejoined later.
func (c *Client) RemoveFromSidebar(ctx context.Context, id RoomID) error {
	r := c.getRoom(id)
	if r == nil {
		return fmt.Errorf("unknown room %s", id)
	}
	c.roomsLock.RLock()
	kind := r.kind
	state := r.state
	nick := r.nick
	c.roomsLock.RUnlock()

	if state == RoomJoined || state == RoomJoining {
		err := c.sendStanza(ctx, &PresenceStanza{
			ID:   NewRequestID(),
			To:   MakeRoomAddress(id, nick),
			Type: PresenceUnavailable,
		})
		if err != nil {
			c.log.Warn().Err(err).Str("room_id", string(id)).Msg("Failed to send leave presence")
		}
		c.setRoomState(r, RoomPending, nil)
	}

	switch kind {
	case RoomKindGroup, RoomKindPrivateChannel:
		bookmarks, err := c.store.Bookmarks().ListBookmarks(ctx, c.account)
		if err != nil {
			return fmt.Errorf("failed to load bookmarks: %w", err)
		}
		for _, bm := range bookmarks {
			if bm.Room != id {
				continue
			}
			bm.InSidebar = false
			bm.AutoJoin = false
			if err := c.store.Bookmarks().PutBookmark(ctx, c.account, bm); err != nil {
				return fmt.Errorf("failed to update bookmark: %w", err)
			}
			break
		}
	default:
		if err := c.store.Bookmarks().DeleteBookmark(ctx, c.account, id); err != nil {
			return fmt.Errorf("failed to delete bookmark: %w", err)
		}
	}
	c.emitSidebarChanged()
	return c.publishBookmarks(ctx)
}

// ToggleFavorite flips the favorite flag of a bookmarked room.
func (c *Client) ToggleFavorite(ctx context.Context, id RoomID) error {
	bookmarks, err := c.store.Bookmarks().ListBookmarks(ctx, c.account)
	if err != nil {
		return fmt.Errorf("failed to load bookmarks: %w", err)
	}
	for _, bm := range bookmarks {
		if bm.Room != id {
			continue
		}
		bm.Favorite = !bm.Favorite
		if err := c.store.Bookmarks().PutBookmark(ctx, c.account, bm); err != nil {
			return fmt.Errorf("failed to update bookmark: %w", err)
		}
		c.emitSidebarChanged()
		return c.publishBookmarks(ctx)
	}
	return fmt.Errorf("room %s is not bookmarked", id)
}

// publishBookmarks pushes the full local bookmark set to the server so
// other devices converge on it.
func (c *Client) publishBookmarks(ctx context.Context) error {
	bookmarks, err := c.store.Bookmarks().ListBookmarks(ctx, c.account)
	if err != nil {
		return fmt.Errorf("failed to load bookmarks: %w", err)
	}
	_, err = c.request(ctx, &IQStanza{
		Type:    IQSet,
		Payload: IQPayload{Bookmarks: bookmarks},
	})
	if err != nil {
		return fmt.Errorf("failed to publish bookmarks: %w", err)
	}
	return nil
}

// handleBookmarksSync applies a server-pushed bookmark list: the server
// copy replaces the local set, and newly autojoined rooms are joined.
func (c *Client) handleBookmarksSync(ctx context.Context, bookmarks []Bookmark) {
	if err := c.store.Bookmarks().ReplaceBookmarks(ctx, c.account, bookmarks); err != nil {
		c.log.Err(err).Msg("Failed to store synced bookmarks")
		return
	}
	c.emitSidebarChanged()
	for _, bm := range bookmarks {
		if !bm.AutoJoin || !bm.Kind.IsMultiParty() {
			continue
		}
		r := c.ensureRoom(bm.Room, bm.Kind)
		c.roomsLock.Lock()
		if bm.Nick != "" && r.nick == "" {
			r.nick = bm.Nick
		}
		state := r.state
		c.roomsLock.Unlock()
		if state == RoomPending || state == RoomDisconnected {
			c.rejoinRoom(ctx, r)
		}
	}
}
