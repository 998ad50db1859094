// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockSink records every emitted event for inspection.
type mockSink struct {
	mu     sync.Mutex
	events []Event
}

func (m *mockSink) HandleEvent(evt Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

// Events returns a copy of the recorded events.
func (m *mockSink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Reset clears the recorded events.
func (m *mockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}

// waitFor blocks until a recorded event matches the predicate, failing the
// test after two seconds.
func (m *mockSink) waitFor(t *testing.T, what string, match func(Event) bool) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, evt := range m.Events() {
			if match(evt) {
				return evt
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s event", what)
	return nil
}

// fakeClock serves a settable time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// memStore is an in-memory Store for tests. It ignores the account
// dimension; every test drives a single account.
type memStore struct {
	mu        sync.Mutex
	messages  map[RoomID]map[MessageID]*StoredMessage
	rooms     map[RoomID]*StoredRoom
	bookmarks map[RoomID]Bookmark
	devices   map[UserID][]DeviceInfo
	sessions  map[UserID]map[DeviceID]*SessionRecord
	account   *AccountState
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		messages:  make(map[RoomID]map[MessageID]*StoredMessage),
		rooms:     make(map[RoomID]*StoredRoom),
		bookmarks: make(map[RoomID]Bookmark),
		devices:   make(map[UserID][]DeviceInfo),
		sessions:  make(map[UserID]map[DeviceID]*SessionRecord),
	}
}

func (s *memStore) Messages() MessageStore   { return s }
func (s *memStore) Rooms() RoomStore         { return s }
func (s *memStore) Bookmarks() BookmarkStore { return s }
func (s *memStore) Devices() DeviceStore     { return s }
func (s *memStore) Sessions() SessionStore   { return s }
func (s *memStore) Accounts() AccountStore   { return s }

func copyStoredMessage(msg *StoredMessage) *StoredMessage {
	cp := *msg
	cp.Reactions = append([]Reaction(nil), msg.Reactions...)
	return &cp
}

func (s *memStore) UpsertMessages(ctx context.Context, account UserID, msgs []*StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		bucket := s.messages[msg.Room]
		if bucket == nil {
			bucket = make(map[MessageID]*StoredMessage)
			s.messages[msg.Room] = bucket
		}
		bucket[msg.ID] = copyStoredMessage(msg)
	}
	return nil
}

func (s *memStore) GetMessage(ctx context.Context, account UserID, room RoomID, id MessageID) (*StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[room][id]
	if !ok {
		return nil, nil
	}
	return copyStoredMessage(msg), nil
}

func (s *memStore) GetMessageByArchiveID(ctx context.Context, account UserID, room RoomID, id ArchiveID) (*StoredMessage, error) {
	if id == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages[room] {
		if msg.ArchiveID == id {
			return copyStoredMessage(msg), nil
		}
	}
	return nil, nil
}

// sortedMessagesLocked returns copies of the room's messages, oldest first.
func (s *memStore) sortedMessagesLocked(room RoomID) []*StoredMessage {
	msgs := make([]*StoredMessage, 0, len(s.messages[room]))
	for _, msg := range s.messages[room] {
		msgs = append(msgs, copyStoredMessage(msg))
	}
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs
}

func (s *memStore) MessagesAfter(ctx context.Context, account UserID, room RoomID, after time.Time, limit int) ([]*StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*StoredMessage
	for _, msg := range s.sortedMessagesLocked(room) {
		if !msg.Timestamp.After(after) {
			continue
		}
		out = append(out, msg)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) LatestMessages(ctx context.Context, account UserID, room RoomID, limit int) ([]*StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.sortedMessagesLocked(room)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *memStore) LastReceivedMessage(ctx context.Context, account UserID, room RoomID, atOrBefore *time.Time) (*StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.sortedMessagesLocked(room)
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		if msg.Sender == account || msg.ArchiveID == "" {
			continue
		}
		if atOrBefore != nil && msg.Timestamp.After(*atOrBefore) {
			continue
		}
		return msg, nil
	}
	return nil, nil
}

func (s *memStore) DeleteRoomMessages(ctx context.Context, account UserID, room RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, room)
	return nil
}

func (s *memStore) GetRoom(ctx context.Context, account UserID, id RoomID) (*StoredRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) ListRooms(ctx context.Context, account UserID) ([]*StoredRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]*StoredRoom, 0, len(s.rooms))
	for _, r := range s.rooms {
		cp := *r
		rooms = append(rooms, &cp)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms, nil
}

func (s *memStore) UpsertRoom(ctx context.Context, account UserID, room *StoredRoom) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *room
	s.rooms[room.ID] = &cp
	return nil
}

func (s *memStore) DeleteRoom(ctx context.Context, account UserID, id RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, id)
	return nil
}

func (s *memStore) ListBookmarks(ctx context.Context, account UserID) ([]Bookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bookmarks := make([]Bookmark, 0, len(s.bookmarks))
	for _, bm := range s.bookmarks {
		bookmarks = append(bookmarks, bm)
	}
	sort.Slice(bookmarks, func(i, j int) bool { return bookmarks[i].Room < bookmarks[j].Room })
	return bookmarks, nil
}

func (s *memStore) PutBookmark(ctx context.Context, account UserID, bookmark Bookmark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookmarks[bookmark.Room] = bookmark
	return nil
}

func (s *memStore) DeleteBookmark(ctx context.Context, account UserID, room RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bookmarks, room)
	return nil
}

func (s *memStore) ReplaceBookmarks(ctx context.Context, account UserID, bookmarks []Bookmark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookmarks = make(map[RoomID]Bookmark, len(bookmarks))
	for _, bm := range bookmarks {
		s.bookmarks[bm.Room] = bm
	}
	return nil
}

// bookmarkFor is a test convenience; nil when the room has no bookmark.
func (s *memStore) bookmarkFor(id RoomID) *Bookmark {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bm, ok := s.bookmarks[id]; ok {
		return &bm
	}
	return nil
}

func (s *memStore) GetDeviceList(ctx context.Context, account UserID, user UserID) ([]DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeviceInfo(nil), s.devices[user]...), nil
}

func (s *memStore) PutDeviceList(ctx context.Context, account UserID, user UserID, devices []DeviceInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[user] = append([]DeviceInfo(nil), devices...)
	return nil
}

func (s *memStore) GetSession(ctx context.Context, account UserID, user UserID, device DeviceID) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[user][device]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) GetSessions(ctx context.Context, account UserID, user UserID) ([]*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]*SessionRecord, 0, len(s.sessions[user]))
	for _, rec := range s.sessions[user] {
		cp := *rec
		records = append(records, &cp)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Device < records[j].Device })
	return records, nil
}

func (s *memStore) PutSession(ctx context.Context, account UserID, record *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.sessions[record.User]
	if bucket == nil {
		bucket = make(map[DeviceID]*SessionRecord)
		s.sessions[record.User] = bucket
	}
	cp := *record
	bucket[record.Device] = &cp
	return nil
}

func (s *memStore) DeleteSession(ctx context.Context, account UserID, user UserID, device DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions[user], device)
	return nil
}

func (s *memStore) GetAccountState(ctx context.Context, account UserID) (*AccountState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return nil, nil
	}
	cp := *s.account
	return &cp, nil
}

func (s *memStore) PutAccountState(ctx context.Context, account UserID, state *AccountState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	s.account = &cp
	return nil
}

// fakeCipher is a reversible stand-in for the real cryptography: bodies
// pass through unchanged and a wrapped key is the content key itself.
type fakeCipher struct {
	mu sync.Mutex
	// failDecrypts fails this many DecryptKey calls before succeeding.
	failDecrypts int
	// sealPreKey reports wrapped keys as pre-key messages.
	sealPreKey  bool
	bundleErr   error
	processed   []string
	ensureCalls int
	createCalls int
}

var _ Cipher = (*fakeCipher)(nil)

const testLocalDevice DeviceID = 41

func newFakeCipher() *fakeCipher {
	return &fakeCipher{}
}

func (f *fakeCipher) CreateLocalDevice(ctx context.Context) (DeviceID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	return testLocalDevice, nil
}

func (f *fakeCipher) EnsurePreKeys(ctx context.Context, first, last int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls++
	return true, nil
}

func (f *fakeCipher) LocalBundle(ctx context.Context) ([]byte, error) {
	return []byte("local-bundle"), nil
}

func (f *fakeCipher) ProcessBundle(ctx context.Context, user UserID, device DeviceID, bundle []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bundleErr != nil {
		return f.bundleErr
	}
	f.processed = append(f.processed, fmt.Sprintf("%s/%d", user, device))
	return nil
}

// Processed returns the user/device pairs handed to ProcessBundle.
func (f *fakeCipher) Processed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.processed...)
}

func (f *fakeCipher) EncryptKey(ctx context.Context, user UserID, device DeviceID, key []byte) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return key, f.sealPreKey, nil
}

func (f *fakeCipher) DecryptKey(ctx context.Context, sender UserID, device DeviceID, data []byte, isPreKey bool) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDecrypts > 0 {
		f.failDecrypts--
		return nil, fmt.Errorf("ratchet out of step")
	}
	return data, nil
}

func (f *fakeCipher) SealBody(plaintext string) (key, iv, ciphertext []byte, err error) {
	return []byte("content-key"), []byte("iv"), []byte(plaintext), nil
}

func (f *fakeCipher) OpenBody(key, iv, ciphertext []byte) (string, error) {
	return string(ciphertext), nil
}

// fakeTransport simulates the server side of the stream: requests sent
// through it are answered from canned data, join presences are reflected,
// and tests inject further inbound stanzas directly.
type fakeTransport struct {
	mu   sync.Mutex
	sent []Stanza

	events chan TransportEvent

	dialErr error
	authErr error
	sendErr error

	// Canned server data.
	ServerFeatures []string
	ServerTime     time.Time
	RoomInfo       map[RoomID]*DiscoInfo
	RoomMembers    map[RoomID][]MemberInfo
	// History queues archive pages per room; each query pops one.
	History     map[RoomID][]*HistoryPage
	DeviceLists map[UserID]*DeviceList
	Bundles     map[DeviceID][]byte
	Bookmarks   []Bookmark

	// Fail answers requests of the given payload kind with an error IQ.
	Fail map[string]bool
	// Drop swallows requests of the given payload kind entirely.
	Drop map[string]bool
	// FailJoins answers join presences for the room with an error presence.
	FailJoins map[RoomID]bool
}

var _ Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:         make(chan TransportEvent, 128),
		ServerFeatures: []string{FeatureMessageArchive},
		RoomInfo:       make(map[RoomID]*DiscoInfo),
		RoomMembers:    make(map[RoomID][]MemberInfo),
		History:        make(map[RoomID][]*HistoryPage),
		DeviceLists:    make(map[UserID]*DeviceList),
		Bundles:        make(map[DeviceID][]byte),
		Fail:           make(map[string]bool),
		Drop:           make(map[string]bool),
		FailJoins:      make(map[RoomID]bool),
	}
}

func (f *fakeTransport) Dial(ctx context.Context) error {
	f.mu.Lock()
	dialErr, authErr := f.dialErr, f.authErr
	f.mu.Unlock()
	if dialErr != nil {
		return dialErr
	}
	if authErr != nil {
		f.events <- TransportEvent{Kind: TransportDisconnected, Err: authErr}
		return nil
	}
	f.events <- TransportEvent{Kind: TransportAuthenticated}
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, st Stanza) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, st)
	f.mu.Unlock()

	switch st := st.(type) {
	case *IQStanza:
		if st.Type != IQGet && st.Type != IQSet {
			return nil
		}
		if res := f.respond(st); res != nil {
			f.inject(res)
		}
	case *PresenceStanza:
		f.reflectJoin(st)
	}
	return nil
}

func (f *fakeTransport) Close(ctx context.Context) error {
	return nil
}

func (f *fakeTransport) Events() <-chan TransportEvent {
	return f.events
}

// inject delivers one stanza to the engine as if the server sent it.
func (f *fakeTransport) inject(st Stanza) {
	f.events <- TransportEvent{Kind: TransportStanza, Stanza: st}
}

// dropConnection simulates the server side going away.
func (f *fakeTransport) dropConnection(err error) {
	f.events <- TransportEvent{Kind: TransportDisconnected, Err: err}
}

// respond builds the canned answer for one request. Nil drops it.
func (f *fakeTransport) respond(iq *IQStanza) *IQStanza {
	f.mu.Lock()
	defer f.mu.Unlock()

	kind := payloadName(iq)
	if f.Drop[kind] {
		return nil
	}
	res := &IQStanza{ID: iq.ID, Type: IQResult, From: iq.To, To: iq.From}
	if f.Fail[kind] {
		res.Type = IQError
		res.Error = &StanzaError{Condition: "service-unavailable"}
		return res
	}

	p := iq.Payload
	switch {
	case p.Ping, p.CarbonsEnable:
	case p.EntityTime != nil:
		at := f.ServerTime
		if at.IsZero() {
			at = time.Now()
		}
		res.Payload.EntityTime = &EntityTimeInfo{UTC: at}
	case p.Disco != nil:
		if info, ok := f.RoomInfo[RoomID(iq.To.Bare)]; ok {
			cp := *info
			res.Payload.Disco = &cp
		} else {
			res.Payload.Disco = &DiscoInfo{Features: append([]string(nil), f.ServerFeatures...)}
		}
	case p.HistoryQuery != nil:
		room := p.HistoryQuery.Room
		if pages := f.History[room]; len(pages) > 0 {
			res.Payload.History = pages[0]
			f.History[room] = pages[1:]
		} else {
			res.Payload.History = &HistoryPage{}
		}
	case p.Members != nil:
		res.Payload.Members = append([]MemberInfo(nil), f.RoomMembers[RoomID(iq.To.Bare)]...)
	case p.DeviceList != nil && iq.Type == IQGet:
		if list, ok := f.DeviceLists[p.DeviceList.User]; ok {
			cp := *list
			cp.Devices = append([]DeviceInfo(nil), list.Devices...)
			res.Payload.DeviceList = &cp
		}
	case p.DeviceList != nil:
		cp := *p.DeviceList
		cp.Devices = append([]DeviceInfo(nil), p.DeviceList.Devices...)
		f.DeviceLists[cp.User] = &cp
	case p.BundleQuery != nil:
		if data, ok := f.Bundles[p.BundleQuery.Device]; ok {
			res.Payload.Bundle = &PreKeyBundle{User: p.BundleQuery.User, Device: p.BundleQuery.Device, Data: data}
		}
	case p.Bundle != nil:
		f.Bundles[p.Bundle.Device] = p.Bundle.Data
	case p.Bookmarks != nil && iq.Type == IQGet:
		res.Payload.Bookmarks = append([]Bookmark{}, f.Bookmarks...)
	case p.Bookmarks != nil:
		f.Bookmarks = append([]Bookmark(nil), p.Bookmarks...)
	}
	return res
}

// reflectJoin answers a join presence with the occupant's own reflected
// presence, or with an error presence for rooms set to fail.
func (f *fakeTransport) reflectJoin(p *PresenceStanza) {
	if p.Type != PresenceAvailable || p.To.Part == "" {
		return
	}
	f.mu.Lock()
	fail := f.FailJoins[RoomID(p.To.Bare)]
	f.mu.Unlock()
	reflected := &PresenceStanza{
		From:  Address{Bare: p.To.Bare, Part: p.To.Part},
		Codes: []int{StatusSelfPresence},
	}
	if fail {
		reflected = &PresenceStanza{
			From:  Address{Bare: p.To.Bare, Part: p.To.Part},
			Type:  PresenceErrorType,
			Error: &StanzaError{Condition: "forbidden"},
		}
	}
	f.inject(reflected)
}

// addDevice publishes a device with a fetchable bundle for the user.
func (f *fakeTransport) addDevice(user UserID, id DeviceID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.DeviceLists[user]
	if list == nil {
		list = &DeviceList{User: user}
		f.DeviceLists[user] = list
	}
	list.Devices = append(list.Devices, DeviceInfo{ID: id})
	f.Bundles[id] = []byte("bundle")
}

// Sent returns a copy of every stanza sent through the transport.
func (f *fakeTransport) Sent() []Stanza {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Stanza(nil), f.sent...)
}

// SentMessages returns the message stanzas sent through the transport.
func (f *fakeTransport) SentMessages() []*MessageStanza {
	var msgs []*MessageStanza
	for _, st := range f.Sent() {
		if msg, ok := st.(*MessageStanza); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// SentIQs returns the sent request stanzas of the given payload kind.
func (f *fakeTransport) SentIQs(kind string) []*IQStanza {
	var iqs []*IQStanza
	for _, st := range f.Sent() {
		if iq, ok := st.(*IQStanza); ok && payloadName(iq) == kind {
			iqs = append(iqs, iq)
		}
	}
	return iqs
}

// Reset clears the sent-stanza record.
func (f *fakeTransport) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

const testAccount UserID = "alice@example.com"

// testClient bundles a client with the fakes behind it.
type testClient struct {
	*Client
	transport *fakeTransport
	store     *memStore
	cipher    *fakeCipher
	sink      *mockSink
}

// newTestClient assembles a client against in-memory fakes. Nothing is
// connected yet.
func newTestClient(t *testing.T) *testClient {
	t.Helper()
	cfg := &Config{
		Account:               string(testAccount),
		RequestTimeoutSeconds: 2,
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	store := newMemStore()
	transport := newFakeTransport()
	cipher := newFakeCipher()
	sink := &mockSink{}
	c := NewClient(cfg, store, transport, cipher, sink, zerolog.Nop())
	return &testClient{Client: c, transport: transport, store: store, cipher: cipher, sink: sink}
}

// connect drives the client to the connected state and registers a
// disconnect cleanup.
func (tc *testClient) connect(t *testing.T) {
	t.Helper()
	if err := tc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = tc.Disconnect(context.Background()) })
}

// newConnectedClient is newTestClient plus a completed connect.
func newConnectedClient(t *testing.T) *testClient {
	t.Helper()
	tc := newTestClient(t)
	tc.connect(t)
	return tc
}

// waitForState blocks until the client reaches the given connection state.
func waitForState(t *testing.T, c *Client, want ConnectionState) {
	t.Helper()
	waitUntil(t, fmt.Sprintf("connection state %v", want), func() bool {
		return c.State() == want
	})
}

// waitUntil polls the condition, failing the test after two seconds.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// groupchatMessage builds a live room message from an occupant.
func groupchatMessage(room RoomID, nick string, id MessageID, body string) *MessageStanza {
	return &MessageStanza{
		ID:   id,
		From: Address{Bare: string(room), Part: nick},
		Type: MessageGroupChat,
		Body: body,
	}
}

// chatMessage builds a live direct message addressed to the test account.
func chatMessage(from UserID, id MessageID, body string) *MessageStanza {
	return &MessageStanza{
		ID:   id,
		From: Address{Bare: string(from), Part: "phone"},
		To:   Address{Bare: string(testAccount)},
		Type: MessageChat,
		Body: body,
	}
}

// withArchive attaches a server archive reference to the message.
func withArchive(st *MessageStanza, id ArchiveID, at time.Time) *MessageStanza {
	st.Archive = &ArchiveRef{ID: id, Timestamp: at}
	return st
}
