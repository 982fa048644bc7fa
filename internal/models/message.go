package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	MessageContentMinLength = 1
	MessageContentMaxLength = 256
)

// MessageDestinationType is the kind of destination a message was sent to.
type MessageDestinationType int

const (
	// DestinationDirect is a direct message between two users.
	DestinationDirect MessageDestinationType = 0

	// DestinationGroup is a message in a group chat. Group delivery is not
	// implemented; the value exists so the channel naming scheme matches
	// the wire protocol.
	DestinationGroup MessageDestinationType = 1
)

// Message represents a chat message.
type Message struct {
	ID        uuid.UUID              `json:"id"`
	AuthorID  uuid.UUID              `json:"author_id"`
	DestType  MessageDestinationType `json:"dest_type"`
	DestID    uuid.UUID              `json:"dest_id"`
	Content   string                 `json:"content"`
	CreatedAt time.Time              `json:"created_at"`
	EditedAt  *time.Time             `json:"edited_at,omitempty"`
}
