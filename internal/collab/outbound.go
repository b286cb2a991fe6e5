package collab

import (
	"time"

	"github.com/spherify/collab/internal/delta"
)

// Event names an outbound message kind.
type Event string

const (
	EventDocumentSnapshot    Event = "document-snapshot"
	EventParticipantsUpdated Event = "participants-updated"
	EventChangeBroadcast     Event = "change-broadcast"
	EventFormatBroadcast     Event = "format-broadcast"
	EventCursorBroadcast     Event = "cursor-broadcast"
	EventChangeRejected      Event = "change-rejected"
	EventSnapshotUnavailable Event = "snapshot-unavailable"
)

// Outbound is a message the transport must deliver to the listed recipients.
// Handlers return outbound messages instead of writing to connections themselves.
// A Unicast message goes back only to the connection whose event produced it.
type Outbound struct {
	Event      Event
	DocumentID DocumentID
	Recipients []UserID
	Unicast    bool
	Payload    any
}

// Emitter delivers messages produced outside a request path, such as idle sweeps.
type Emitter interface {
	Emit(messages ...Outbound)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(messages ...Outbound)

func (f EmitterFunc) Emit(messages ...Outbound) {
	f(messages...)
}

type SnapshotPayload struct {
	Content delta.Delta `json:"content"`
}

type ParticipantsPayload struct {
	Participants []Participant `json:"participants"`
}

type ChangePayload struct {
	UserID UserID      `json:"userId"`
	Delta  delta.Delta `json:"delta"`
}

type FormatPayload struct {
	UserID UserID         `json:"userId"`
	Format map[string]any `json:"format"`
	Range  CursorRange    `json:"range"`
}

type CursorPayload struct {
	UserID      UserID      `json:"userId"`
	DisplayName string      `json:"displayName"`
	Color       string      `json:"color"`
	Cursor      CursorRange `json:"cursor"`
	SentAt      time.Time   `json:"sentAt"`
}

// RejectionPayload prompts the client to resynchronise through a fresh snapshot.
type RejectionPayload struct {
	Reason string `json:"reason"`
}
