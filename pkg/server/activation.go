package server

import "fmt"

// Activation identifies which lifecycle event triggered a traversal of the
// middleware chain.
type Activation uint8

const (
	// ActivationConnection runs once, when the connection opens.
	ActivationConnection Activation = iota
	// ActivationMessage runs for every inbound message. It is the only
	// activation that carries a payload.
	ActivationMessage
	// ActivationClosing runs once, after the peer has gone away.
	ActivationClosing
)

// String returns the lowercase name of the activation.
func (a Activation) String() string {
	switch a {
	case ActivationConnection:
		return "connection"
	case ActivationMessage:
		return "message"
	case ActivationClosing:
		return "closing"
	default:
		return fmt.Sprintf("activation(%d)", uint8(a))
	}
}

// MessageKind is the frame type of a payload or an outbound send.
type MessageKind uint8

const (
	// TextMessage is a UTF-8 text frame.
	TextMessage MessageKind = iota + 1
	// BinaryMessage is a binary frame.
	BinaryMessage
)

func (k MessageKind) String() string {
	switch k {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	default:
		return "unknown"
	}
}
