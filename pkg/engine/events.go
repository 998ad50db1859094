// Copyright 2024-2026 Aiku AI

package engine

// Event is one entry of the outward event stream. Events are emitted from
// the inbound processing goroutine in the single logical order described
// in the package documentation; the sink must not block for long.
type Event interface {
	EventType() string
}

// EventSink receives the ordered event stream. One sink per client.
type EventSink interface {
	HandleEvent(evt Event)
}

// ConnectionState is the lifecycle state of an account session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAuthenticated
	StateEstablishing
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateEstablishing:
		return "establishing"
	case StateConnected:
		return "connected"
	default:
		return "invalid"
	}
}

// ConnectionStateEvent reports every connection state transition. The
// transition to Disconnected is dispatched immediately, never deferred:
// consumers distinguish "offline" from "mid-failure" by it.
type ConnectionStateEvent struct {
	State ConnectionState
	// Err is the failure that caused an unexpected disconnect, nil on a
	// requested one.
	Err error
}

func (ConnectionStateEvent) EventType() string { return "connection_state" }

// RoomStateEvent reports a room synchronizer transition.
type RoomStateEvent struct {
	Room  RoomID
	State RoomState
	// Err carries the PermanentError when the room entered the
	// permanent-error sub-state.
	Err error
}

func (RoomStateEvent) EventType() string { return "room_state" }

// MessagesAppendedEvent reports new messages added to a room's history.
type MessagesAppendedEvent struct {
	Room     RoomID
	Messages []MessageID
}

func (MessagesAppendedEvent) EventType() string { return "messages_appended" }

// MessagesUpdatedEvent reports in-place mutations: corrections, reaction
// changes, delivery flags, and read-marker moves.
type MessagesUpdatedEvent struct {
	Room     RoomID
	Messages []MessageID
}

func (MessagesUpdatedEvent) EventType() string { return "messages_updated" }

// MessagesDeletedEvent reports retractions.
type MessagesDeletedEvent struct {
	Room     RoomID
	Messages []MessageID
}

func (MessagesDeletedEvent) EventType() string { return "messages_deleted" }

// SidebarChangedEvent reports that the sidebar projection is stale and
// should be re-read.
type SidebarChangedEvent struct{}

func (SidebarChangedEvent) EventType() string { return "sidebar_changed" }

// ParticipantsChangedEvent reports membership, presence, or compose-state
// changes in a room.
type ParticipantsChangedEvent struct {
	Room RoomID
}

func (ParticipantsChangedEvent) EventType() string { return "participants_changed" }

// RoomAttributesChangedEvent reports a change to a room's name or topic.
type RoomAttributesChangedEvent struct {
	Room RoomID
}

func (RoomAttributesChangedEvent) EventType() string { return "room_attributes_changed" }

// EncryptionErrorEvent surfaces a message-scoped encryption failure.
type EncryptionErrorEvent struct {
	Room    RoomID
	Message MessageID
	Err     *EncryptionError
}

func (EncryptionErrorEvent) EventType() string { return "encryption_error" }
