package protocol

import "fmt"

// Version is the message payload version written by this build.
const Version uint16 = 1

// MessageType is the wire type tag of a message.
type MessageType uint32

const (
	TypeHeartbeat      MessageType = 1
	TypeHeartbeatReply MessageType = 2
	TypeEvent          MessageType = 3
	TypeEventReply     MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case TypeHeartbeat:
		return "heartbeat"
	case TypeHeartbeatReply:
		return "heartbeat_reply"
	case TypeEvent:
		return "event"
	case TypeEventReply:
		return "event_reply"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// Known reports whether t belongs to the fixed catalog.
func (t MessageType) Known() bool {
	return t >= TypeHeartbeat && t <= TypeEventReply
}

// IsReply reports whether t is only ever sent in answer to another message.
func (t MessageType) IsReply() bool {
	return t == TypeHeartbeatReply || t == TypeEventReply
}

// Message is one variant of the fixed catalog.
type Message interface {
	Type() MessageType
}

// Heartbeat is a liveness probe with no payload.
type Heartbeat struct{}

// HeartbeatReply answers a Heartbeat.
type HeartbeatReply struct{}

// Event is an application request addressed by verb and noun.
type Event struct {
	Version  uint16
	Verb     string
	Noun     string
	Mimetype string
	Data     []byte
}

// EventReply answers an Event. Code 0 means success.
type EventReply struct {
	Version  uint16
	Mimetype string
	Code     int32
	Data     []byte
}

func (Heartbeat) Type() MessageType      { return TypeHeartbeat }
func (HeartbeatReply) Type() MessageType { return TypeHeartbeatReply }
func (Event) Type() MessageType          { return TypeEvent }
func (EventReply) Type() MessageType     { return TypeEventReply }

// Envelope is one decoded frame: the message plus its correlation ids.
// ID 0 is never issued; ReplyTo 0 means the message is not a reply.
type Envelope struct {
	ID      uint64
	ReplyTo uint64
	Message Message
}
