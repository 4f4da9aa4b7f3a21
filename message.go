package libmux

import "fmt"

// MessageType is the websocket opcode of a socket-level frame.
type MessageType byte

const (
	TextMessage   MessageType = 1
	BinaryMessage MessageType = 2
	CloseMessage  MessageType = 8
	PingMessage   MessageType = 9
	PongMessage   MessageType = 10
)

func (t MessageType) IsData() bool {
	return t == TextMessage || t == BinaryMessage
}

func (t MessageType) IsPing() bool {
	return t == PingMessage
}

func (t MessageType) IsPong() bool {
	return t == PongMessage
}

func (t MessageType) IsClose() bool {
	return t == CloseMessage
}

func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "TEXT"
	case BinaryMessage:
		return "BIN"
	case CloseMessage:
		return "CLOSE"
	case PingMessage:
		return "PING"
	case PongMessage:
		return "PONG"
	default:
		return fmt.Sprintf("OP(%d)", byte(t))
	}
}

// Message is one frame as seen by a Socket. Code is only meaningful for
// close frames.
type Message struct {
	Type MessageType
	Data []byte
	Code int
}

func (m Message) String() string {
	const maxShown = 256
	data := m.Data
	suffix := ""
	if len(data) > maxShown {
		data = data[:maxShown]
		suffix = "..."
	}
	if m.Type.IsClose() {
		return fmt.Sprintf("Message{type=%s,code=%d,data=%s%s}", m.Type, m.Code, data, suffix)
	}
	return fmt.Sprintf("Message{type=%s,data=%s%s}", m.Type, data, suffix)
}

func NewDataMessage(mt MessageType, data []byte) Message {
	return Message{Type: mt, Data: data}
}

func NewPingMessage(data []byte) Message {
	return Message{Type: PingMessage, Data: data}
}

func NewPongMessage(data []byte) Message {
	return Message{Type: PongMessage, Data: data}
}

func NewCloseMessage(code int, data []byte) Message {
	return Message{Type: CloseMessage, Data: data, Code: code}
}
