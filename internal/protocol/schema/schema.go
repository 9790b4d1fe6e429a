package schema

import (
	"fmt"

	"github.com/danmuck/restpipe/internal/protocol"
	"github.com/danmuck/restpipe/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Field IDs used by event payloads.
const (
	FieldVersion  uint16 = 1
	FieldVerb     uint16 = 2
	FieldNoun     uint16 = 3
	FieldMimetype uint16 = 4
	FieldData     uint16 = 5
	FieldCode     uint16 = 6
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType protocol.MessageType
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%s: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%s field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

// Unwrap lets callers match every schema failure as a protocol violation.
func (e ValidationError) Unwrap() error {
	if e.Reason == "unknown message_type" {
		return protocol.ErrUnknownMessageType
	}
	return protocol.ErrMalformedFrame
}

var requirements = map[protocol.MessageType][]Requirement{
	protocol.TypeHeartbeat:      {},
	protocol.TypeHeartbeatReply: {},
	protocol.TypeEvent: {
		{FieldVersion, tlv.TypeU16},
		{FieldVerb, tlv.TypeString},
		{FieldNoun, tlv.TypeString},
		{FieldMimetype, tlv.TypeString},
		{FieldData, tlv.TypeBytes},
	},
	protocol.TypeEventReply: {
		{FieldVersion, tlv.TypeU16},
		{FieldMimetype, tlv.TypeString},
		{FieldCode, tlv.TypeU32},
		{FieldData, tlv.TypeBytes},
	},
}

// Requirements returns the required fields for t in wire order.
func Requirements(t protocol.MessageType) ([]Requirement, bool) {
	reqs, ok := requirements[t]
	return reqs, ok
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType protocol.MessageType, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Stringer("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Stringer("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Stringer("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
