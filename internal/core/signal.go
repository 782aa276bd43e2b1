package core

// EventSink is the outbound half of a peer's signaling connection.
// Owned by the adapter; the adapter must close the underlying transport.
// Event delivery is best-effort, a slow client drops events rather than
// blocking the room.
type EventSink interface {
	Event(name string, data any)
}

// Server-initiated event names.
const (
	EventRooms               = "rooms"
	EventNewProducers        = "new_producers"
	EventParticipantMutation = "participant_mutation"
	EventParticipantLeft     = "participant_left"
	EventProducerClosed      = "producer_closed"
	EventSpeaking            = "speaking"
	EventSilence             = "silence"
)
