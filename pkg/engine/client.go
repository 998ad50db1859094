// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/random"
)

// Client is one account's chat session: it owns the connection lifecycle,
// request correlation, room synchronization, history reconciliation, and
// encryption session management. UI state flows out through the event
// sink; all methods are safe for concurrent use.
type Client struct {
	cfg       *Config
	store     Store
	transport Transport
	cipher    Cipher
	sink      EventSink
	clock     Clock
	log       zerolog.Logger

	account UserID

	correlator *correlator
	reconciler *reconciler
	sessions   *sessionManager

	connLock sync.Mutex
	stopChan chan struct{}
	stopOnce *sync.Once
	authCh   chan error

	stateLock    sync.RWMutex
	state        ConnectionState
	resource     string
	serverOffset time.Duration
	// archiveSupported caches whether the server advertises a message
	// archive; catch-up is skipped without it.
	archiveSupported bool

	roomsLock   sync.RWMutex
	rooms       map[RoomID]*room
	focusedRoom RoomID

	deferredLock sync.Mutex
	deferred     []*MessageStanza
}

// NewClient assembles a client from its collaborators. The config must
// have been through PostProcess.
func NewClient(cfg *Config, store Store, transport Transport, cipher Cipher, sink EventSink, log zerolog.Logger) *Client {
	c := &Client{
		cfg:       cfg,
		store:     store,
		transport: transport,
		cipher:    cipher,
		sink:      sink,
		clock:     SystemClock{},
		log:       log.With().Str("account", string(cfg.AccountID())).Logger(),
		account:   cfg.AccountID(),
		rooms:     make(map[RoomID]*room),
	}
	c.correlator = newCorrelator(c.log)
	c.reconciler = newReconciler(c.log, c.account)
	c.sessions = newSessionManager(c)
	return c
}

// Account returns the address this client signs in as.
func (c *Client) Account() UserID {
	return c.account
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	return c.state
}

// Resource is the identifier this account presents across connections,
// minted on the first connect and reused afterwards. Empty before the
// first session is established.
func (c *Client) Resource() string {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	return c.resource
}

// ServerTimeOffset is the measured difference between the server clock
// and ours, zero when the probe failed.
func (c *Client) ServerTimeOffset() time.Duration {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	return c.serverOffset
}

// ServerNow is the current time as the server sees it. Archive timestamps
// and read markers compare against it.
func (c *Client) ServerNow() time.Time {
	return c.now()
}

func (c *Client) setState(state ConnectionState, err error) {
	c.stateLock.Lock()
	if c.state == state {
		c.stateLock.Unlock()
		return
	}
	c.state = state
	c.stateLock.Unlock()
	c.log.Info().Stringer("state", state).Msg("Connection state changed")
	c.sink.HandleEvent(&ConnectionStateEvent{State: state, Err: err})
}

// Connect dials the server and drives the session to the connected state:
// authentication, the establishing sequence, then replay of deferred
// traffic and room restoration. It blocks until the session is live or
// failed. Connecting twice returns ErrAlreadyConnected; the engine never
// reconnects on its own.
func (c *Client) Connect(ctx context.Context) error {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	if c.State() != StateDisconnected {
		return ErrAlreadyConnected
	}

	if err := c.loadRooms(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Failed to load cached rooms")
	}
	c.correlator.reset()
	c.sessions.reset()

	// Rooms joined before the last disconnect are recorded now and
	// rejoined once the session is live again.
	recorded := c.recordJoinedRooms()
	c.setState(StateConnecting, nil)

	stopChan := make(chan struct{})
	authCh := make(chan error, 1)
	c.stopChan = stopChan
	c.stopOnce = &sync.Once{}
	c.authCh = authCh

	if err := c.transport.Dial(ctx); err != nil {
		c.setState(StateDisconnected, err)
		return fmt.Errorf("failed to dial: %w", &TransportError{Err: err})
	}
	go c.runLoop(stopChan)

	select {
	case err := <-authCh:
		if err != nil {
			c.teardown(ctx, err)
			return fmt.Errorf("failed to authenticate: %w", err)
		}
	case <-ctx.Done():
		c.teardown(ctx, ctx.Err())
		return ctx.Err()
	}
	c.setState(StateAuthenticated, nil)

	c.setState(StateEstablishing, nil)
	if err := c.establish(ctx); err != nil {
		c.teardown(ctx, err)
		return fmt.Errorf("failed to establish session: %w", err)
	}
	c.setState(StateConnected, nil)

	c.drainDeferred()
	c.restoreRooms(ctx, recorded)
	go c.pingLoop(stopChan)
	return nil
}

// Disconnect tears the session down and fails every pending request.
// Disconnecting an already-disconnected client is a no-op.
func (c *Client) Disconnect(ctx context.Context) error {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	if c.State() == StateDisconnected {
		return nil
	}
	c.teardown(ctx, nil)
	return nil
}

// teardown stops the run loop, closes the transport, and resolves every
// in-flight request with ErrDisconnected. Joined rooms flip to
// disconnected so the next connect can rejoin them.
func (c *Client) teardown(ctx context.Context, cause error) {
	if c.stopOnce != nil {
		stopChan := c.stopChan
		c.stopOnce.Do(func() { close(stopChan) })
	}
	if err := c.transport.Close(ctx); err != nil {
		c.log.Debug().Err(err).Msg("Transport close failed")
	}
	c.correlator.cancelAll(ErrDisconnected)
	c.disconnectRooms()
	c.setState(StateDisconnected, cause)
}

// handleTransportLoss reacts to the transport dropping on its own. The
// session ends up exactly as after Disconnect; reconnecting is the
// caller's decision.
func (c *Client) handleTransportLoss(err error) {
	c.log.Warn().Err(err).Msg("Connection lost")
	if c.stopOnce != nil {
		stopChan := c.stopChan
		c.stopOnce.Do(func() { close(stopChan) })
	}
	c.correlator.cancelAll(ErrDisconnected)
	c.disconnectRooms()
	var cause error
	if err != nil {
		cause = &TransportError{Err: err}
	}
	c.setState(StateDisconnected, cause)
}

func (c *Client) recordJoinedRooms() []RoomID {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()
	var recorded []RoomID
	for id, r := range c.rooms {
		switch r.state {
		case RoomJoined, RoomJoining:
			recorded = append(recorded, id)
		case RoomDisconnected:
			if r.rejoinFails < maxRejoinAttempts {
				recorded = append(recorded, id)
			}
		}
	}
	return recorded
}

func (c *Client) disconnectRooms() {
	c.roomsLock.Lock()
	var dropped []RoomID
	for id, r := range c.rooms {
		if r.state == RoomJoined || r.state == RoomJoining {
			r.state = RoomDisconnected
			r.err = nil
			dropped = append(dropped, id)
		}
	}
	c.roomsLock.Unlock()
	for _, id := range dropped {
		c.sink.HandleEvent(&RoomStateEvent{Room: id, State: RoomDisconnected})
	}
	if len(dropped) > 0 {
		c.emitSidebarChanged()
	}
}

// establish runs the post-authentication sequence. Only failures that
// leave the session unusable abort it; the probes and conveniences are
// tolerated and logged.
func (c *Client) establish(ctx context.Context) error {
	if err := c.provisionResource(ctx); err != nil {
		return err
	}
	if err := c.probeServerTime(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Server time probe failed")
	}
	if err := c.discoverServer(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Server feature discovery failed")
	}
	if err := c.sendStanza(ctx, &PresenceStanza{ID: NewRequestID()}); err != nil {
		return fmt.Errorf("failed to send initial presence: %w", err)
	}
	if _, err := c.request(ctx, &IQStanza{Type: IQSet, Payload: IQPayload{CarbonsEnable: true}}); err != nil {
		c.log.Warn().Err(err).Msg("Failed to enable carbons")
	}
	if err := c.sessions.initialize(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Failed to initialize encryption")
	}
	return nil
}

// provisionResource loads the resource this account connects under,
// minting and persisting one on the first session.
func (c *Client) provisionResource(ctx context.Context) error {
	state, err := c.store.Accounts().GetAccountState(ctx, c.account)
	if err != nil {
		return fmt.Errorf("failed to load account state: %w", err)
	}
	if state == nil {
		state = &AccountState{}
	}
	if state.Resource == "" {
		state.Resource = random.String(12)
		if err := c.store.Accounts().PutAccountState(ctx, c.account, state); err != nil {
			return fmt.Errorf("failed to save account state: %w", err)
		}
		c.log.Debug().Str("resource", state.Resource).Msg("Minted connection resource")
	}
	c.stateLock.Lock()
	c.resource = state.Resource
	c.stateLock.Unlock()
	return nil
}

// probeServerTime measures the offset between the server clock and ours.
// All archive timestamps are compared in server time afterwards.
func (c *Client) probeServerTime(ctx context.Context) error {
	_, domain := ParseUserID(c.account)
	res, err := c.request(ctx, &IQStanza{
		Type:    IQGet,
		To:      Address{Bare: domain},
		Payload: IQPayload{EntityTime: &EntityTimeInfo{}},
	})
	if err != nil {
		return err
	}
	info := res.Payload.EntityTime
	if info == nil || info.UTC.IsZero() {
		return &ProtocolError{Op: "time", Condition: "missing payload"}
	}
	offset := info.UTC.Sub(c.clock.Now())
	c.stateLock.Lock()
	c.serverOffset = offset
	c.stateLock.Unlock()
	c.log.Debug().Dur("offset", offset).Msg("Measured server time offset")
	return nil
}

func (c *Client) discoverServer(ctx context.Context) error {
	_, domain := ParseUserID(c.account)
	res, err := c.request(ctx, &IQStanza{
		Type:    IQGet,
		To:      Address{Bare: domain},
		Payload: IQPayload{Disco: &DiscoInfo{}},
	})
	if err != nil {
		return err
	}
	disco := res.Payload.Disco
	if disco == nil {
		return &ProtocolError{Op: "disco", Condition: "missing payload"}
	}
	c.stateLock.Lock()
	c.archiveSupported = disco.HasFeature(FeatureMessageArchive)
	c.stateLock.Unlock()
	return nil
}

// restoreRooms brings the sidebar back to life after connecting: the
// synced bookmark list drives autojoins, and rooms that were joined
// before the last disconnect are rejoined even without a bookmark.
func (c *Client) restoreRooms(ctx context.Context, recorded []RoomID) {
	res, err := c.request(ctx, &IQStanza{
		Type:    IQGet,
		Payload: IQPayload{Bookmarks: []Bookmark{}},
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to fetch bookmarks")
	} else {
		c.handleBookmarksSync(ctx, res.Payload.Bookmarks)
	}

	for _, id := range recorded {
		r := c.getRoom(id)
		if r == nil {
			continue
		}
		c.roomsLock.RLock()
		state := r.state
		multi := r.kind.IsMultiParty()
		c.roomsLock.RUnlock()
		if state == RoomJoined || state == RoomJoining {
			continue
		}
		if !multi {
			c.setRoomState(r, RoomJoined, nil)
			if err := c.catchUpRoom(ctx, r); err != nil {
				c.log.Warn().Err(err).Str("room_id", string(id)).Msg("History catch-up failed")
			}
			continue
		}
		c.rejoinRoom(ctx, r)
	}
}

// stanzaQueueSize bounds how far the processor may fall behind the
// stream before the run loop stops reading.
const stanzaQueueSize = 256

// runLoop is the single consumer of the transport event stream. Request
// responses resolve here and never enter the queue; everything else is
// dispatched in order on the processor goroutine, which is therefore free
// to block on requests of its own.
func (c *Client) runLoop(stopChan <-chan struct{}) {
	queue := make(chan Stanza, stanzaQueueSize)
	go c.processLoop(stopChan, queue)
	events := c.transport.Events()
	for {
		select {
		case <-stopChan:
			return
		case evt, ok := <-events:
			if !ok {
				c.handleTransportLoss(nil)
				return
			}
			switch evt.Kind {
			case TransportAuthenticated:
				select {
				case c.authCh <- nil:
				default:
				}
			case TransportDisconnected:
				select {
				case c.authCh <- fmt.Errorf("disconnected during authentication: %w", evt.Err):
				default:
				}
				c.handleTransportLoss(evt.Err)
				return
			case TransportStanza:
				if iq, ok := evt.Stanza.(*IQStanza); ok && (iq.Type == IQResult || iq.Type == IQError) {
					c.correlator.resolve(iq)
					continue
				}
				select {
				case queue <- evt.Stanza:
				case <-stopChan:
					return
				}
			}
		}
	}
}

func (c *Client) processLoop(stopChan <-chan struct{}, queue <-chan Stanza) {
	for {
		select {
		case <-stopChan:
			return
		case st := <-queue:
			c.dispatch(st)
		}
	}
}

func (c *Client) drainDeferred() {
	c.deferredLock.Lock()
	deferred := c.deferred
	c.deferred = nil
	c.deferredLock.Unlock()
	if len(deferred) == 0 {
		return
	}
	c.log.Debug().Int("count", len(deferred)).Msg("Replaying deferred messages")
	for _, st := range deferred {
		c.handleMessage(st)
	}
}

// StartDirectChat makes sure a direct conversation with the given user
// exists, is bookmarked, and has its history cached.
func (c *Client) StartDirectChat(ctx context.Context, user UserID) (RoomID, error) {
	if c.State() != StateConnected {
		return "", ErrDisconnected
	}
	r := c.ensureDirectRoom(ctx, user)
	if err := c.catchUpRoom(ctx, r); err != nil {
		c.log.Warn().Err(err).Str("room_id", string(user)).Msg("History catch-up failed")
	}
	return RoomID(user), nil
}
