// Copyright 2024-2026 Aiku AI

// Package sqlstore persists the engine's local cache in SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/parley/pkg/engine"
)

// Store implements engine.Store on a shared SQL database. Several
// accounts can use one database file; every key starts with the account.
type Store struct {
	db *dbutil.Database

	messages  *messageStore
	rooms     *roomStore
	bookmarks *bookmarkStore
	devices   *deviceStore
	sessions  *sessionStore
	accounts  *accountStore
}

var _ engine.Store = (*Store)(nil)

// New opens the database and makes sure the schema is current.
func New(ctx context.Context, path, dialect string) (*Store, error) {
	db, err := dbutil.NewWithDialect(path, dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.messages = &messageStore{db: db}
	s.rooms = &roomStore{db: db}
	s.bookmarks = &bookmarkStore{db: db}
	s.devices = &deviceStore{db: db}
	s.sessions = &sessionStore{db: db}
	s.accounts = &accountStore{db: db}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Messages() engine.MessageStore   { return s.messages }
func (s *Store) Rooms() engine.RoomStore         { return s.rooms }
func (s *Store) Bookmarks() engine.BookmarkStore { return s.bookmarks }
func (s *Store) Devices() engine.DeviceStore     { return s.devices }
func (s *Store) Sessions() engine.SessionStore   { return s.sessions }
func (s *Store) Accounts() engine.AccountStore   { return s.accounts }

func (s *Store) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS message (
			account TEXT NOT NULL,
			room TEXT NOT NULL,
			id TEXT NOT NULL,
			archive_id TEXT NOT NULL DEFAULT '',
			sender TEXT NOT NULL,
			sender_nick TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			timestamp_ms BIGINT NOT NULL,
			edited BOOLEAN NOT NULL DEFAULT FALSE,
			retracted BOOLEAN NOT NULL DEFAULT FALSE,
			pending_edit BOOLEAN NOT NULL DEFAULT FALSE,
			decryption_failed BOOLEAN NOT NULL DEFAULT FALSE,
			reactions_json TEXT,
			PRIMARY KEY (account, room, id)
		)`,
		`CREATE TABLE IF NOT EXISTS room (
			account TEXT NOT NULL,
			id TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'generic',
			name TEXT NOT NULL DEFAULT '',
			topic TEXT NOT NULL DEFAULT '',
			nick TEXT NOT NULL DEFAULT '',
			unread_count INTEGER NOT NULL DEFAULT 0,
			mention_count INTEGER NOT NULL DEFAULT 0,
			last_read_archive_id TEXT NOT NULL DEFAULT '',
			last_read_ts_ms BIGINT NOT NULL DEFAULT 0,
			draft TEXT NOT NULL DEFAULT '',
			muted BOOLEAN NOT NULL DEFAULT FALSE,
			encryption_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			last_catchup_ms BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (account, id)
		)`,
		`CREATE TABLE IF NOT EXISTS bookmark (
			account TEXT NOT NULL,
			room TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'generic',
			nick TEXT NOT NULL DEFAULT '',
			in_sidebar BOOLEAN NOT NULL DEFAULT TRUE,
			autojoin BOOLEAN NOT NULL DEFAULT TRUE,
			favorite BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (account, room)
		)`,
		`CREATE TABLE IF NOT EXISTS device_list (
			account TEXT NOT NULL,
			user_id TEXT NOT NULL,
			devices_json TEXT NOT NULL DEFAULT '[]',
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (account, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS session (
			account TEXT NOT NULL,
			user_id TEXT NOT NULL,
			device_id INTEGER NOT NULL,
			state INTEGER NOT NULL DEFAULT 0,
			trust INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (account, user_id, device_id)
		)`,
		`CREATE TABLE IF NOT EXISTS account_state (
			account TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			local_device INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (account)
		)`,
		`CREATE INDEX IF NOT EXISTS message_room_ts_idx
			ON message (account, room, timestamp_ms, id)`,
		`CREATE INDEX IF NOT EXISTS message_room_archive_idx
			ON message (account, room, archive_id)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	// Migration: add sender_nick column if missing (SQLite has no
	// IF NOT EXISTS on ALTER).
	var hasSenderNick int
	_ = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM pragma_table_info('message') WHERE name='sender_nick'`).Scan(&hasSenderNick)
	if hasSenderNick == 0 {
		if _, err := s.db.Exec(ctx, `ALTER TABLE message ADD COLUMN sender_nick TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("failed to add sender_nick column: %w", err)
		}
	}
	return nil
}

type messageStore struct {
	db *dbutil.Database
}

var _ engine.MessageStore = (*messageStore)(nil)

const messageColumns = `room, id, archive_id, sender, sender_nick, body, timestamp_ms,
	edited, retracted, pending_edit, decryption_failed, reactions_json`

func scanMessage(row dbutil.Scannable) (*engine.StoredMessage, error) {
	var msg engine.StoredMessage
	var tsMS int64
	var reactionsJSON sql.NullString
	err := row.Scan(
		&msg.Room, &msg.ID, &msg.ArchiveID, &msg.Sender, &msg.SenderNick, &msg.Body, &tsMS,
		&msg.Edited, &msg.Retracted, &msg.PendingEdit, &msg.DecryptionFailed, &reactionsJSON,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	msg.Timestamp = time.UnixMilli(tsMS).UTC()
	if reactionsJSON.Valid && reactionsJSON.String != "" {
		if err := json.Unmarshal([]byte(reactionsJSON.String), &msg.Reactions); err != nil {
			return nil, fmt.Errorf("failed to parse reactions of %s: %w", msg.ID, err)
		}
	}
	return &msg, nil
}

func (ms *messageStore) UpsertMessages(ctx context.Context, account engine.UserID, msgs []*engine.StoredMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := ms.db.RawDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO message (
			account, room, id, archive_id, sender, sender_nick, body, timestamp_ms,
			edited, retracted, pending_edit, decryption_failed, reactions_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account, room, id) DO UPDATE SET
			archive_id=excluded.archive_id,
			sender=excluded.sender,
			sender_nick=excluded.sender_nick,
			body=excluded.body,
			timestamp_ms=excluded.timestamp_ms,
			edited=excluded.edited,
			retracted=CASE WHEN message.retracted THEN message.retracted ELSE excluded.retracted END,
			pending_edit=excluded.pending_edit,
			decryption_failed=excluded.decryption_failed,
			reactions_json=excluded.reactions_json
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch statement: %w", err)
	}
	defer stmt.Close()

	for _, msg := range msgs {
		var reactionsJSON any
		if len(msg.Reactions) > 0 {
			data, err := json.Marshal(msg.Reactions)
			if err != nil {
				return fmt.Errorf("failed to marshal reactions of %s: %w", msg.ID, err)
			}
			reactionsJSON = string(data)
		}
		_, err = stmt.ExecContext(ctx,
			account, msg.Room, msg.ID, msg.ArchiveID, msg.Sender, msg.SenderNick, msg.Body, msg.Timestamp.UnixMilli(),
			msg.Edited, msg.Retracted, msg.PendingEdit, msg.DecryptionFailed, reactionsJSON,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
		}
	}
	return tx.Commit()
}

func (ms *messageStore) GetMessage(ctx context.Context, account engine.UserID, room engine.RoomID, id engine.MessageID) (*engine.StoredMessage, error) {
	row := ms.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM message
		WHERE account=$1 AND room=$2 AND id=$3`, account, room, id)
	return scanMessage(row)
}

func (ms *messageStore) GetMessageByArchiveID(ctx context.Context, account engine.UserID, room engine.RoomID, id engine.ArchiveID) (*engine.StoredMessage, error) {
	row := ms.db.QueryRow(ctx, `SELECT `+messageColumns+` FROM message
		WHERE account=$1 AND room=$2 AND archive_id=$3`, account, room, id)
	return scanMessage(row)
}

func (ms *messageStore) MessagesAfter(ctx context.Context, account engine.UserID, room engine.RoomID, after time.Time, limit int) ([]*engine.StoredMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM message
		WHERE account=$1 AND room=$2 AND timestamp_ms>$3
		ORDER BY timestamp_ms ASC, id ASC`
	args := []any{account, room, after.UnixMilli()}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}
	rows, err := ms.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (ms *messageStore) LatestMessages(ctx context.Context, account engine.UserID, room engine.RoomID, limit int) ([]*engine.StoredMessage, error) {
	rows, err := ms.db.Query(ctx, `SELECT `+messageColumns+` FROM message
		WHERE account=$1 AND room=$2
		ORDER BY timestamp_ms DESC, id DESC LIMIT $3`, account, room, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	// The query walks newest-first; callers get oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (ms *messageStore) LastReceivedMessage(ctx context.Context, account engine.UserID, room engine.RoomID, atOrBefore *time.Time) (*engine.StoredMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM message
		WHERE account=$1 AND room=$2 AND sender<>$1 AND archive_id<>''`
	args := []any{account, room}
	if atOrBefore != nil {
		query += ` AND timestamp_ms<=$3`
		args = append(args, atOrBefore.UnixMilli())
	}
	query += ` ORDER BY timestamp_ms DESC, id DESC LIMIT 1`
	return scanMessage(ms.db.QueryRow(ctx, query, args...))
}

func (ms *messageStore) DeleteRoomMessages(ctx context.Context, account engine.UserID, room engine.RoomID) error {
	_, err := ms.db.Exec(ctx, `DELETE FROM message WHERE account=$1 AND room=$2`, account, room)
	return err
}

func collectMessages(rows dbutil.Rows) ([]*engine.StoredMessage, error) {
	var msgs []*engine.StoredMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

type roomStore struct {
	db *dbutil.Database
}

var _ engine.RoomStore = (*roomStore)(nil)

const roomColumns = `id, kind, name, topic, nick, unread_count, mention_count,
	last_read_archive_id, last_read_ts_ms, draft, muted, encryption_enabled, last_catchup_ms`

func scanRoom(row dbutil.Scannable) (*engine.StoredRoom, error) {
	var r engine.StoredRoom
	var lastReadMS, lastCatchupMS int64
	err := row.Scan(
		&r.ID, &r.Kind, &r.Name, &r.Topic, &r.Nick, &r.UnreadCount, &r.MentionCount,
		&r.LastReadArchiveID, &lastReadMS, &r.Draft, &r.Muted, &r.EncryptionEnabled, &lastCatchupMS,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if lastReadMS > 0 {
		r.LastReadTime = time.UnixMilli(lastReadMS).UTC()
	}
	if lastCatchupMS > 0 {
		r.LastCatchup = time.UnixMilli(lastCatchupMS).UTC()
	}
	return &r, nil
}

func (rs *roomStore) GetRoom(ctx context.Context, account engine.UserID, id engine.RoomID) (*engine.StoredRoom, error) {
	row := rs.db.QueryRow(ctx, `SELECT `+roomColumns+` FROM room WHERE account=$1 AND id=$2`, account, id)
	return scanRoom(row)
}

func (rs *roomStore) ListRooms(ctx context.Context, account engine.UserID) ([]*engine.StoredRoom, error) {
	rows, err := rs.db.Query(ctx, `SELECT `+roomColumns+` FROM room WHERE account=$1 ORDER BY id`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rooms []*engine.StoredRoom
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

func (rs *roomStore) UpsertRoom(ctx context.Context, account engine.UserID, r *engine.StoredRoom) error {
	var lastReadMS, lastCatchupMS int64
	if !r.LastReadTime.IsZero() {
		lastReadMS = r.LastReadTime.UnixMilli()
	}
	if !r.LastCatchup.IsZero() {
		lastCatchupMS = r.LastCatchup.UnixMilli()
	}
	_, err := rs.db.Exec(ctx, `
		INSERT INTO room (
			account, id, kind, name, topic, nick, unread_count, mention_count,
			last_read_archive_id, last_read_ts_ms, draft, muted, encryption_enabled, last_catchup_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (account, id) DO UPDATE SET
			kind=excluded.kind,
			name=excluded.name,
			topic=excluded.topic,
			nick=excluded.nick,
			unread_count=excluded.unread_count,
			mention_count=excluded.mention_count,
			last_read_archive_id=excluded.last_read_archive_id,
			last_read_ts_ms=excluded.last_read_ts_ms,
			draft=excluded.draft,
			muted=excluded.muted,
			encryption_enabled=excluded.encryption_enabled,
			last_catchup_ms=excluded.last_catchup_ms
	`, account, r.ID, r.Kind, r.Name, r.Topic, r.Nick, r.UnreadCount, r.MentionCount,
		r.LastReadArchiveID, lastReadMS, r.Draft, r.Muted, r.EncryptionEnabled, lastCatchupMS)
	return err
}

func (rs *roomStore) DeleteRoom(ctx context.Context, account engine.UserID, id engine.RoomID) error {
	_, err := rs.db.Exec(ctx, `DELETE FROM room WHERE account=$1 AND id=$2`, account, id)
	return err
}

type bookmarkStore struct {
	db *dbutil.Database
}

var _ engine.BookmarkStore = (*bookmarkStore)(nil)

func (bs *bookmarkStore) ListBookmarks(ctx context.Context, account engine.UserID) ([]engine.Bookmark, error) {
	rows, err := bs.db.Query(ctx, `SELECT room, name, kind, nick, in_sidebar, autojoin, favorite
		FROM bookmark WHERE account=$1 ORDER BY room`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var bookmarks []engine.Bookmark
	for rows.Next() {
		var bm engine.Bookmark
		err = rows.Scan(&bm.Room, &bm.Name, &bm.Kind, &bm.Nick, &bm.InSidebar, &bm.AutoJoin, &bm.Favorite)
		if err != nil {
			return nil, err
		}
		bookmarks = append(bookmarks, bm)
	}
	return bookmarks, rows.Err()
}

func (bs *bookmarkStore) PutBookmark(ctx context.Context, account engine.UserID, bm engine.Bookmark) error {
	_, err := bs.db.Exec(ctx, `
		INSERT INTO bookmark (account, room, name, kind, nick, in_sidebar, autojoin, favorite)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account, room) DO UPDATE SET
			name=excluded.name,
			kind=excluded.kind,
			nick=excluded.nick,
			in_sidebar=excluded.in_sidebar,
			autojoin=excluded.autojoin,
			favorite=excluded.favorite
	`, account, bm.Room, bm.Name, bm.Kind, bm.Nick, bm.InSidebar, bm.AutoJoin, bm.Favorite)
	return err
}

func (bs *bookmarkStore) DeleteBookmark(ctx context.Context, account engine.UserID, room engine.RoomID) error {
	_, err := bs.db.Exec(ctx, `DELETE FROM bookmark WHERE account=$1 AND room=$2`, account, room)
	return err
}

func (bs *bookmarkStore) ReplaceBookmarks(ctx context.Context, account engine.UserID, bookmarks []engine.Bookmark) error {
	tx, err := bs.db.RawDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM bookmark WHERE account=$1`, account); err != nil {
		return fmt.Errorf("failed to clear bookmarks: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bookmark (account, room, name, kind, nick, in_sidebar, autojoin, favorite)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch statement: %w", err)
	}
	defer stmt.Close()
	for _, bm := range bookmarks {
		_, err = stmt.ExecContext(ctx, account, bm.Room, bm.Name, bm.Kind, bm.Nick, bm.InSidebar, bm.AutoJoin, bm.Favorite)
		if err != nil {
			return fmt.Errorf("failed to insert bookmark %s: %w", bm.Room, err)
		}
	}
	return tx.Commit()
}

type deviceStore struct {
	db *dbutil.Database
}

var _ engine.DeviceStore = (*deviceStore)(nil)

func (ds *deviceStore) GetDeviceList(ctx context.Context, account engine.UserID, user engine.UserID) ([]engine.DeviceInfo, error) {
	var devicesJSON string
	err := ds.db.QueryRow(ctx, `SELECT devices_json FROM device_list WHERE account=$1 AND user_id=$2`,
		account, user).Scan(&devicesJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var devices []engine.DeviceInfo
	if err := json.Unmarshal([]byte(devicesJSON), &devices); err != nil {
		return nil, fmt.Errorf("failed to parse device list of %s: %w", user, err)
	}
	return devices, nil
}

func (ds *deviceStore) PutDeviceList(ctx context.Context, account engine.UserID, user engine.UserID, devices []engine.DeviceInfo) error {
	if devices == nil {
		devices = []engine.DeviceInfo{}
	}
	data, err := json.Marshal(devices)
	if err != nil {
		return fmt.Errorf("failed to marshal device list: %w", err)
	}
	_, err = ds.db.Exec(ctx, `
		INSERT INTO device_list (account, user_id, devices_json, updated_ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account, user_id) DO UPDATE SET
			devices_json=excluded.devices_json,
			updated_ts=excluded.updated_ts
	`, account, user, string(data), time.Now().UnixMilli())
	return err
}

type sessionStore struct {
	db *dbutil.Database
}

var _ engine.SessionStore = (*sessionStore)(nil)

func (ss *sessionStore) GetSession(ctx context.Context, account engine.UserID, user engine.UserID, device engine.DeviceID) (*engine.SessionRecord, error) {
	var rec engine.SessionRecord
	err := ss.db.QueryRow(ctx, `SELECT user_id, device_id, state, trust FROM session
		WHERE account=$1 AND user_id=$2 AND device_id=$3`, account, user, device).
		Scan(&rec.User, &rec.Device, &rec.State, &rec.Trust)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (ss *sessionStore) GetSessions(ctx context.Context, account engine.UserID, user engine.UserID) ([]*engine.SessionRecord, error) {
	rows, err := ss.db.Query(ctx, `SELECT user_id, device_id, state, trust FROM session
		WHERE account=$1 AND user_id=$2 ORDER BY device_id`, account, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []*engine.SessionRecord
	for rows.Next() {
		var rec engine.SessionRecord
		if err := rows.Scan(&rec.User, &rec.Device, &rec.State, &rec.Trust); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func (ss *sessionStore) PutSession(ctx context.Context, account engine.UserID, rec *engine.SessionRecord) error {
	_, err := ss.db.Exec(ctx, `
		INSERT INTO session (account, user_id, device_id, state, trust)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account, user_id, device_id) DO UPDATE SET
			state=excluded.state,
			trust=excluded.trust
	`, account, rec.User, rec.Device, rec.State, rec.Trust)
	return err
}

func (ss *sessionStore) DeleteSession(ctx context.Context, account engine.UserID, user engine.UserID, device engine.DeviceID) error {
	_, err := ss.db.Exec(ctx, `DELETE FROM session WHERE account=$1 AND user_id=$2 AND device_id=$3`,
		account, user, device)
	return err
}

type accountStore struct {
	db *dbutil.Database
}

var _ engine.AccountStore = (*accountStore)(nil)

func (as *accountStore) GetAccountState(ctx context.Context, account engine.UserID) (*engine.AccountState, error) {
	var state engine.AccountState
	err := as.db.QueryRow(ctx, `SELECT resource, local_device FROM account_state WHERE account=$1`, account).
		Scan(&state.Resource, &state.LocalDevice)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &state, nil
}

func (as *accountStore) PutAccountState(ctx context.Context, account engine.UserID, state *engine.AccountState) error {
	_, err := as.db.Exec(ctx, `
		INSERT INTO account_state (account, resource, local_device)
		VALUES ($1, $2, $3)
		ON CONFLICT (account) DO UPDATE SET
			resource=excluded.resource,
			local_device=excluded.local_device
	`, account, state.Resource, state.LocalDevice)
	return err
}
