package session

import (
	"fmt"

	"github.com/danmuck/restpipe/internal/protocol"
	"github.com/danmuck/restpipe/internal/protocol/frame"
	"github.com/danmuck/restpipe/internal/protocol/schema"
	"github.com/danmuck/restpipe/internal/protocol/tlv"
)

// EncodeMessage builds the frame for msg. A non-zero replyTo marks the frame
// as a response.
func EncodeMessage(id uint64, replyTo uint64, msg protocol.Message) (frame.Frame, error) {
	if msg == nil {
		return frame.Frame{}, fmt.Errorf("%w: nil message", protocol.ErrProtocolViolation)
	}
	h := frame.Header{
		MessageID:   id,
		MessageType: uint32(msg.Type()),
		ReplyTo:     replyTo,
	}
	if replyTo != 0 {
		h.Flags |= frame.FlagIsResponse
	}

	var fields []tlv.Field
	switch m := msg.(type) {
	case protocol.Heartbeat, protocol.HeartbeatReply:
	case protocol.Event:
		fields = []tlv.Field{
			tlv.NewU16(schema.FieldVersion, versionOrDefault(m.Version)),
			tlv.NewString(schema.FieldVerb, m.Verb),
			tlv.NewString(schema.FieldNoun, m.Noun),
			tlv.NewString(schema.FieldMimetype, m.Mimetype),
			tlv.NewBytes(schema.FieldData, m.Data),
		}
	case protocol.EventReply:
		fields = []tlv.Field{
			tlv.NewU16(schema.FieldVersion, versionOrDefault(m.Version)),
			tlv.NewString(schema.FieldMimetype, m.Mimetype),
			tlv.NewU32(schema.FieldCode, uint32(m.Code)),
			tlv.NewBytes(schema.FieldData, m.Data),
		}
	default:
		return frame.Frame{}, fmt.Errorf("%w: %T", protocol.ErrUnknownMessageType, msg)
	}
	if len(fields) == 0 {
		return frame.Frame{Header: h}, nil
	}
	return frame.Frame{Header: h, Payload: tlv.EncodeFields(fields)}, nil
}

// DecodeMessage parses one frame. Unknown type tags return
// protocol.ErrUnknownMessageType; bad payloads return an error wrapping
// protocol.ErrMalformedFrame.
func DecodeMessage(f frame.Frame) (protocol.Envelope, error) {
	env := protocol.Envelope{ID: f.Header.MessageID, ReplyTo: f.Header.ReplyTo}
	mt := protocol.MessageType(f.Header.MessageType)
	if !mt.Known() {
		return env, fmt.Errorf("%w: tag=%d id=%d", protocol.ErrUnknownMessageType, f.Header.MessageType, f.Header.MessageID)
	}

	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return env, err
	}
	if err := schema.Validate(mt, fields); err != nil {
		return env, err
	}

	switch mt {
	case protocol.TypeHeartbeat:
		env.Message = protocol.Heartbeat{}
	case protocol.TypeHeartbeatReply:
		env.Message = protocol.HeartbeatReply{}
	case protocol.TypeEvent:
		ev := protocol.Event{}
		r := fieldReader{fields: fields}
		ev.Version = r.u16(schema.FieldVersion)
		ev.Verb = r.str(schema.FieldVerb)
		ev.Noun = r.str(schema.FieldNoun)
		ev.Mimetype = r.str(schema.FieldMimetype)
		ev.Data = r.bytes(schema.FieldData)
		if r.err != nil {
			return env, r.err
		}
		env.Message = ev
	case protocol.TypeEventReply:
		rep := protocol.EventReply{}
		r := fieldReader{fields: fields}
		rep.Version = r.u16(schema.FieldVersion)
		rep.Mimetype = r.str(schema.FieldMimetype)
		rep.Code = int32(r.u32(schema.FieldCode))
		rep.Data = r.bytes(schema.FieldData)
		if r.err != nil {
			return env, r.err
		}
		env.Message = rep
	}
	return env, nil
}

func versionOrDefault(v uint16) uint16 {
	if v == 0 {
		return protocol.Version
	}
	return v
}

// fieldReader keeps the first accessor error so decode bodies stay linear.
type fieldReader struct {
	fields []tlv.Field
	err    error
}

func (r *fieldReader) field(id uint16) tlv.Field {
	f, _ := tlv.GetField(r.fields, id)
	return f
}

func (r *fieldReader) u16(id uint16) uint16 {
	v, err := r.field(id).U16()
	r.keep(err)
	return v
}

func (r *fieldReader) u32(id uint16) uint32 {
	v, err := r.field(id).U32()
	r.keep(err)
	return v
}

func (r *fieldReader) str(id uint16) string {
	v, err := r.field(id).Str()
	r.keep(err)
	return v
}

func (r *fieldReader) bytes(id uint16) []byte {
	v, err := r.field(id).Bytes()
	r.keep(err)
	return v
}

func (r *fieldReader) keep(err error) {
	if r.err == nil && err != nil {
		r.err = err
	}
}
