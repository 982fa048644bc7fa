package ws

import (
	"github.com/lapis-chat/lapis/internal/models"
	"github.com/lapis-chat/lapis/pkg/json"
)

// Opcodes of the websocket wire protocol.
const (
	// OpHello is sent immediately after the upgrade, before subscriptions
	// are established.
	OpHello = 0

	// OpReady is sent once the session's subscriptions are live; every
	// event published after it is guaranteed to be delivered.
	OpReady = 1

	// OpEvent carries a relayed domain event.
	OpEvent = 2
)

// Packet is a frame of the websocket wire protocol.
type Packet struct {
	Op   int    `json:"op"`
	Data any    `json:"d,omitempty"`
	Type string `json:"t,omitempty"`
}

type readyData struct {
	User      models.User `json:"user"`
	SessionID string      `json:"session_id"`
}

func helloPacket() Packet {
	return Packet{Op: OpHello}
}

func readyPacket(user models.User, sessionID string) Packet {
	return Packet{Op: OpReady, Data: readyData{User: user, SessionID: sessionID}}
}

func eventPacket(eventName string, payload []byte) Packet {
	// The payload is already serialized JSON from the bus; relay it as-is.
	return Packet{Op: OpEvent, Data: json.RawMessage(payload), Type: eventName}
}
