// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// SessionState is the lifecycle state of one encryption session.
type SessionState int

const (
	// SessionUnknown has no session material yet.
	SessionUnknown SessionState = iota
	// SessionEstablishing is fetching the device's pre-key bundle.
	SessionEstablishing
	// SessionActive can encrypt and decrypt.
	SessionActive
	// SessionInactive belongs to a device that left its user's published
	// list. It keeps its material and is revived when the device returns.
	SessionInactive
	// SessionBroken failed to decrypt and awaits repair.
	SessionBroken
)

func (s SessionState) String() string {
	switch s {
	case SessionUnknown:
		return "unknown"
	case SessionEstablishing:
		return "establishing"
	case SessionActive:
		return "active"
	case SessionInactive:
		return "inactive"
	case SessionBroken:
		return "broken"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Trust is the user's verification decision for one device.
type Trust int

const (
	// TrustUndecided devices participate in encryption until the user
	// decides otherwise.
	TrustUndecided Trust = iota
	TrustTrusted
	TrustUntrusted
)

func (t Trust) String() string {
	switch t {
	case TrustUndecided:
		return "undecided"
	case TrustTrusted:
		return "trusted"
	case TrustUntrusted:
		return "untrusted"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// The published pre-key range. Consumed IDs are regenerated so the full
// range stays available.
const (
	preKeyRangeStart = 1
	preKeyRangeEnd   = 100
)

// Cipher is the cryptography collaborator. It owns all key material and
// ratchet state; the engine only tracks which sessions exist, their
// lifecycle, and the user's trust decisions.
type Cipher interface {
	// CreateLocalDevice generates this device's long-term identity and
	// returns its new ID.
	CreateLocalDevice(ctx context.Context) (DeviceID, error)
	// EnsurePreKeys regenerates consumed pre-keys so the published range
	// [first, last] is complete. It reports whether anything changed.
	EnsurePreKeys(ctx context.Context, first, last int) (bool, error)
	// LocalBundle returns the publishable public bundle of the local
	// device.
	LocalBundle(ctx context.Context) ([]byte, error)
	// ProcessBundle establishes an outbound session from a fetched
	// pre-key bundle.
	ProcessBundle(ctx context.Context, user UserID, device DeviceID, bundle []byte) error
	// EncryptKey wraps the content key for one established session.
	EncryptKey(ctx context.Context, user UserID, device DeviceID, key []byte) (data []byte, isPreKey bool, err error)
	// DecryptKey unwraps a content key addressed to the local device.
	DecryptKey(ctx context.Context, sender UserID, device DeviceID, data []byte, isPreKey bool) ([]byte, error)
	// SealBody encrypts a message body under a fresh content key.
	SealBody(plaintext string) (key, iv, ciphertext []byte, err error)
	// OpenBody decrypts a message body with an unwrapped content key.
	OpenBody(key, iv, ciphertext []byte) (string, error)
}

// sessionManager drives encryption session lifecycles: establishing
// sessions from published bundles, reacting to device-list changes,
// fanning content keys out to usable sessions, and repairing sessions
// that fail to decrypt.
type sessionManager struct {
	c   *Client
	log zerolog.Logger

	mu          sync.Mutex
	localDevice DeviceID
	// repaired records messages that already got their one repair
	// attempt. Bounded; clearing it only re-allows a repair for stanzas
	// replayed much later.
	repaired map[MessageID]bool
}

const repairedCap = 1024

func newSessionManager(c *Client) *sessionManager {
	return &sessionManager{
		c:        c,
		log:      c.log.With().Str("component", "encryption").Logger(),
		repaired: make(map[MessageID]bool),
	}
}

// LocalDevice returns this device's encryption identity, zero before
// initialization.
func (s *sessionManager) LocalDevice() DeviceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localDevice
}

// initialize makes this device encryption-capable: it loads or creates
// the local device identity, makes sure the published device list and
// pre-key bundle include it, and starts sessions with the account's other
// devices.
func (s *sessionManager) initialize(ctx context.Context) error {
	state, err := s.c.store.Accounts().GetAccountState(ctx, s.c.account)
	if err != nil {
		return fmt.Errorf("failed to load account state: %w", err)
	}
	if state == nil {
		state = &AccountState{}
	}
	if state.LocalDevice == 0 {
		device, err := s.c.cipher.CreateLocalDevice(ctx)
		if err != nil {
			return fmt.Errorf("failed to create local device: %w", err)
		}
		state.LocalDevice = device
		if err := s.c.store.Accounts().PutAccountState(ctx, s.c.account, state); err != nil {
			return fmt.Errorf("failed to save account state: %w", err)
		}
	}
	s.mu.Lock()
	s.localDevice = state.LocalDevice
	s.mu.Unlock()

	if _, err := s.c.cipher.EnsurePreKeys(ctx, preKeyRangeStart, preKeyRangeEnd); err != nil {
		return fmt.Errorf("failed to generate pre-keys: %w", err)
	}
	if err := s.publishBundle(ctx); err != nil {
		return err
	}

	list, err := s.fetchDeviceList(ctx, s.c.account)
	if err != nil {
		return err
	}
	if !list.Contains(state.LocalDevice) {
		list.Devices = append(list.Devices, DeviceInfo{ID: state.LocalDevice, Label: s.c.cfg.DeviceLabel})
		_, err = s.c.request(ctx, &IQStanza{
			Type:    IQSet,
			Payload: IQPayload{DeviceList: list},
		})
		if err != nil {
			return fmt.Errorf("failed to publish device list: %w", err)
		}
	}
	s.handleDeviceList(ctx, list)
	return nil
}

func (s *sessionManager) publishBundle(ctx context.Context) error {
	data, err := s.c.cipher.LocalBundle(ctx)
	if err != nil {
		return fmt.Errorf("failed to build bundle: %w", err)
	}
	device := s.LocalDevice()
	_, err = s.c.request(ctx, &IQStanza{
		Type:    IQSet,
		Payload: IQPayload{Bundle: &PreKeyBundle{User: s.c.account, Device: device, Data: data}},
	})
	if err != nil {
		return fmt.Errorf("failed to publish bundle: %w", err)
	}
	return nil
}

func (s *sessionManager) fetchDeviceList(ctx context.Context, user UserID) (*DeviceList, error) {
	res, err := s.c.request(ctx, &IQStanza{
		Type:    IQGet,
		To:      Address{Bare: string(user)},
		Payload: IQPayload{DeviceList: &DeviceList{User: user}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch device list: %w", err)
	}
	list := res.Payload.DeviceList
	if list == nil {
		list = &DeviceList{User: user}
	}
	if list.User == "" {
		list.User = user
	}
	if err := s.c.store.Devices().PutDeviceList(ctx, s.c.account, user, list.Devices); err != nil {
		return nil, fmt.Errorf("failed to store device list: %w", err)
	}
	return list, nil
}

// handleDeviceList reconciles session records with a freshly published
// device list. Sessions of departed devices flip inactive, returning
// devices flip active again, and unseen devices get a session started.
// Records are never deleted here.
func (s *sessionManager) handleDeviceList(ctx context.Context, list *DeviceList) {
	if err := s.c.store.Devices().PutDeviceList(ctx, s.c.account, list.User, list.Devices); err != nil {
		s.log.Err(err).Str("user_id", string(list.User)).Msg("Failed to store device list")
	}
	records, err := s.c.store.Sessions().GetSessions(ctx, s.c.account, list.User)
	if err != nil {
		s.log.Err(err).Str("user_id", string(list.User)).Msg("Failed to load sessions")
		return
	}
	known := make(map[DeviceID]*SessionRecord, len(records))
	for _, rec := range records {
		known[rec.Device] = rec
	}

	local := s.LocalDevice()
	for _, dev := range list.Devices {
		if list.User == s.c.account && dev.ID == local {
			continue
		}
		rec, ok := known[dev.ID]
		if !ok {
			if err := s.startSession(ctx, list.User, dev.ID); err != nil {
				s.log.Warn().Err(err).
					Str("user_id", string(list.User)).
					Uint32("device_id", uint32(dev.ID)).
					Msg("Failed to establish session")
			}
			continue
		}
		if rec.State == SessionInactive {
			rec.State = SessionActive
			s.putSession(ctx, rec)
		}
	}
	for _, rec := range records {
		if !list.Contains(rec.Device) && rec.State != SessionInactive {
			rec.State = SessionInactive
			s.putSession(ctx, rec)
		}
	}
}

// startSession establishes a fresh session with one device from its
// published bundle. New sessions start active with undecided trust.
func (s *sessionManager) startSession(ctx context.Context, user UserID, device DeviceID) error {
	rec := &SessionRecord{User: user, Device: device, State: SessionEstablishing, Trust: TrustUndecided}
	s.putSession(ctx, rec)

	if err := s.processBundle(ctx, user, device); err != nil {
		rec.State = SessionUnknown
		s.putSession(ctx, rec)
		return err
	}
	rec.State = SessionActive
	s.putSession(ctx, rec)
	return nil
}

func (s *sessionManager) processBundle(ctx context.Context, user UserID, device DeviceID) error {
	res, err := s.c.request(ctx, &IQStanza{
		Type:    IQGet,
		To:      Address{Bare: string(user)},
		Payload: IQPayload{BundleQuery: &BundleQuery{User: user, Device: device}},
	})
	if err != nil {
		return fmt.Errorf("failed to fetch bundle: %w", err)
	}
	bundle := res.Payload.Bundle
	if bundle == nil {
		return &ProtocolError{Op: "bundle", Condition: "missing payload"}
	}
	if err := s.c.cipher.ProcessBundle(ctx, user, device, bundle.Data); err != nil {
		return fmt.Errorf("failed to process bundle: %w", err)
	}
	return nil
}

func (s *sessionManager) putSession(ctx context.Context, rec *SessionRecord) {
	if err := s.c.store.Sessions().PutSession(ctx, s.c.account, rec); err != nil {
		s.log.Err(err).
			Str("user_id", string(rec.User)).
			Uint32("device_id", uint32(rec.Device)).
			Msg("Failed to persist session")
	}
}

// usableSessions returns the sessions of one user that participate in
// encryption: active, and not explicitly untrusted.
func (s *sessionManager) usableSessions(ctx context.Context, user UserID) ([]*SessionRecord, int, error) {
	records, err := s.c.store.Sessions().GetSessions(ctx, s.c.account, user)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load sessions: %w", err)
	}
	var usable []*SessionRecord
	for _, rec := range records {
		if rec.State == SessionActive && rec.Trust != TrustUntrusted {
			usable = append(usable, rec)
		}
	}
	return usable, len(records), nil
}

// encryptBody seals a body for every usable session of the recipients and
// of our own other devices. It fails before anything reaches the network
// when some recipient cannot receive the message.
func (s *sessionManager) encryptBody(ctx context.Context, recipients []UserID, body string) (*EncryptedPayload, error) {
	var sessions []*SessionRecord
	for _, user := range recipients {
		if user == s.c.account {
			continue
		}
		usable, total, err := s.usableSessions(ctx, user)
		if err != nil {
			return nil, err
		}
		if len(usable) == 0 {
			kind := NoDevices
			if total > 0 {
				kind = NoTrustedDevices
			}
			return nil, &EncryptionError{Kind: kind, User: user}
		}
		sessions = append(sessions, usable...)
	}
	// Our own other devices receive a copy too, but having none is fine.
	own, _, err := s.usableSessions(ctx, s.c.account)
	if err != nil {
		return nil, err
	}
	sessions = append(sessions, own...)

	key, iv, ciphertext, err := s.c.cipher.SealBody(body)
	if err != nil {
		return nil, fmt.Errorf("failed to seal body: %w", err)
	}
	payload := &EncryptedPayload{
		SenderDevice: s.LocalDevice(),
		IV:           iv,
		Ciphertext:   ciphertext,
	}
	for _, rec := range sessions {
		data, isPreKey, err := s.c.cipher.EncryptKey(ctx, rec.User, rec.Device, key)
		if err != nil {
			s.log.Warn().Err(err).
				Str("user_id", string(rec.User)).
				Uint32("device_id", uint32(rec.Device)).
				Msg("Failed to wrap key for device")
			continue
		}
		payload.Keys = append(payload.Keys, EncryptedKey{Device: rec.Device, Data: data, IsPreKey: isPreKey})
	}
	if len(payload.Keys) == 0 {
		return nil, &EncryptionError{Kind: NoDevices, Err: fmt.Errorf("no key could be wrapped")}
	}
	return payload, nil
}

// decryptMessage opens an encrypted stanza in place, filling in the body.
// On failure the session is marked broken and, for live traffic, repaired
// once per message: a fresh bundle is processed and decryption retried.
func (s *sessionManager) decryptMessage(ctx context.Context, st *MessageStanza, allowRepair bool) {
	err := s.tryDecrypt(ctx, st)
	if err == nil {
		return
	}
	sender, _ := senderIdentity(st)
	device := st.Encrypted.SenderDevice
	s.markBroken(ctx, sender, device)

	if allowRepair && s.claimRepair(st.ID) {
		s.log.Debug().
			Str("message_id", string(st.ID)).
			Str("user_id", string(sender)).
			Uint32("device_id", uint32(device)).
			Msg("Repairing broken session")
		if repairErr := s.startSession(ctx, sender, device); repairErr == nil {
			if err = s.tryDecrypt(ctx, st); err == nil {
				return
			}
		}
	}

	encErr, ok := err.(*EncryptionError)
	if !ok {
		encErr = &EncryptionError{Kind: DecryptFailed, User: sender, Device: device, Err: err}
	}
	room := RoomID(st.From.Bare)
	if isEcho(st, s.c.account) {
		room = RoomID(st.To.Bare)
	}
	s.c.sink.HandleEvent(&EncryptionErrorEvent{Room: room, Message: st.ID, Err: encErr})
}

func (s *sessionManager) tryDecrypt(ctx context.Context, st *MessageStanza) error {
	payload := st.Encrypted
	local := s.LocalDevice()
	key, ok := payload.KeyFor(local)
	if !ok {
		sender, _ := senderIdentity(st)
		return &EncryptionError{
			Kind:   DecryptFailed,
			User:   sender,
			Device: payload.SenderDevice,
			Err:    fmt.Errorf("no key addressed to device %d", local),
		}
	}
	sender, _ := senderIdentity(st)
	dek, err := s.c.cipher.DecryptKey(ctx, sender, payload.SenderDevice, key.Data, key.IsPreKey)
	if err != nil {
		return fmt.Errorf("failed to unwrap key: %w", err)
	}
	body, err := s.c.cipher.OpenBody(dek, payload.IV, payload.Ciphertext)
	if err != nil {
		return fmt.Errorf("failed to open body: %w", err)
	}
	st.Body = body
	s.noteActivity(ctx, sender, payload.SenderDevice)

	// A consumed pre-key leaves a hole in the published range; top it up
	// and republish.
	if key.IsPreKey {
		if changed, err := s.c.cipher.EnsurePreKeys(ctx, preKeyRangeStart, preKeyRangeEnd); err != nil {
			s.log.Warn().Err(err).Msg("Failed to replenish pre-keys")
		} else if changed {
			if err := s.publishBundle(ctx); err != nil {
				s.log.Warn().Err(err).Msg("Failed to republish bundle")
			}
		}
	}
	return nil
}

// noteActivity marks a session active after successful traffic on it.
func (s *sessionManager) noteActivity(ctx context.Context, user UserID, device DeviceID) {
	rec, err := s.c.store.Sessions().GetSession(ctx, s.c.account, user, device)
	if err != nil {
		return
	}
	if rec == nil {
		rec = &SessionRecord{User: user, Device: device, Trust: TrustUndecided}
	}
	if rec.State == SessionActive {
		return
	}
	rec.State = SessionActive
	s.putSession(ctx, rec)
}

func (s *sessionManager) markBroken(ctx context.Context, user UserID, device DeviceID) {
	rec, err := s.c.store.Sessions().GetSession(ctx, s.c.account, user, device)
	if err != nil || rec == nil {
		return
	}
	if rec.State == SessionBroken {
		return
	}
	rec.State = SessionBroken
	s.putSession(ctx, rec)
}

// claimRepair reserves the single repair attempt of a message.
func (s *sessionManager) claimRepair(id MessageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repaired[id] {
		return false
	}
	if len(s.repaired) >= repairedCap {
		s.repaired = make(map[MessageID]bool)
	}
	s.repaired[id] = true
	return true
}

func (s *sessionManager) reset() {
	s.mu.Lock()
	s.repaired = make(map[MessageID]bool)
	s.mu.Unlock()
}

// removeDevice withdraws one of the account's own devices: the published
// list is replaced without it and the device's session record is deleted.
// Removing an unlisted device changes nothing.
func (s *sessionManager) removeDevice(ctx context.Context, device DeviceID) error {
	list, err := s.fetchDeviceList(ctx, s.c.account)
	if err != nil {
		return err
	}
	devices := make([]DeviceInfo, 0, len(list.Devices))
	for _, dev := range list.Devices {
		if dev.ID != device {
			devices = append(devices, dev)
		}
	}
	if len(devices) == len(list.Devices) {
		return nil
	}
	_, err = s.c.request(ctx, &IQStanza{
		Type:    IQSet,
		Payload: IQPayload{DeviceList: &DeviceList{User: s.c.account, Devices: devices}},
	})
	if err != nil {
		return fmt.Errorf("failed to publish device list: %w", err)
	}
	if err := s.c.store.Devices().PutDeviceList(ctx, s.c.account, s.c.account, devices); err != nil {
		s.log.Err(err).Msg("Failed to store device list")
	}
	if err := s.c.store.Sessions().DeleteSession(ctx, s.c.account, s.c.account, device); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Sessions returns the session records of one user.
func (c *Client) Sessions(ctx context.Context, user UserID) ([]*SessionRecord, error) {
	return c.store.Sessions().GetSessions(ctx, c.account, user)
}

// RemoveDevice withdraws one of the account's own published devices. The
// running device cannot remove itself.
func (c *Client) RemoveDevice(ctx context.Context, device DeviceID) error {
	if c.State() != StateConnected {
		return ErrDisconnected
	}
	if device == c.sessions.LocalDevice() {
		return fmt.Errorf("device %d is this device", device)
	}
	return c.sessions.removeDevice(ctx, device)
}

// SetDeviceTrust records the user's verification decision for a device.
// Distrusting a device removes it from future encryption fan-out without
// touching its session material.
func (c *Client) SetDeviceTrust(ctx context.Context, user UserID, device DeviceID, trust Trust) error {
	rec, err := c.store.Sessions().GetSession(ctx, c.account, user, device)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if rec == nil {
		rec = &SessionRecord{User: user, Device: device, State: SessionUnknown}
	}
	rec.Trust = trust
	if err := c.store.Sessions().PutSession(ctx, c.account, rec); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}
