// Copyright 2024-2026 Aiku AI

package engine

import "context"

// TransportEventKind tags the entries of the transport stream.
type TransportEventKind int

const (
	// TransportStanza delivers one parsed inbound stanza.
	TransportStanza TransportEventKind = iota
	// TransportAuthenticated signals that the stream is authenticated and
	// ready for traffic.
	TransportAuthenticated
	// TransportDisconnected signals connection loss. Err is nil for a
	// clean local close.
	TransportDisconnected
)

// TransportEvent is one entry of the inbound stream.
type TransportEvent struct {
	Kind   TransportEventKind
	Stanza Stanza
	Err    error
}

// Transport is the wire collaborator. It owns sockets, TLS, authentication,
// and the stanza codec; the engine only ever sees parsed stanzas.
//
// Dial starts a connection attempt for the account; progress and failure
// are reported on the event stream, not as a Dial return. Send delivers one
// stanza; it fails fast when the stream is down. The engine is the single
// consumer of Events, which preserves server-side ordering.
type Transport interface {
	Dial(ctx context.Context) error
	Send(ctx context.Context, s Stanza) error
	Close(ctx context.Context) error
	Events() <-chan TransportEvent
}
