// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package engine implements the client-side protocol engine of a chat
// account: connection lifecycle, request correlation, room
// synchronization, history reconciliation, and encryption session
// management. It operates purely on parsed stanzas; wire codecs,
// networking, and cryptography live behind the Transport and Cipher
// collaborators.
//
// # Core Types
//
// [Client] is one account's session. It drives the connection through
// its lifecycle, keeps every joined room synchronized, and exposes the
// messaging operations. All state changes flow out through an
// [EventSink]; the client never calls back into its embedder otherwise.
//
// [Store] is the local cache. Everything in it is disposable: losing a
// collection costs a re-fetch on the next connect, never consistency.
//
// [Transport] carries parsed stanzas in both directions. The engine is
// the single consumer of its event stream.
//
// [Cipher] holds all key material. The engine tracks which encryption
// sessions exist and whether they are usable, and decides which devices
// a message is sealed for, but never touches a key itself.
//
// # Reconnecting
//
// The engine never reconnects on its own. When the transport drops, every
// pending request fails with ErrDisconnected, joined rooms flip to
// disconnected, and the embedder decides when to call Connect again.
// Messages that arrive while the session is still being established are
// deferred and replayed in arrival order once it is live.
//
// # Sub-packages
//
//   - mention locates @-style user references in message bodies.
//   - sqlstore persists the local cache in SQLite.
package engine
