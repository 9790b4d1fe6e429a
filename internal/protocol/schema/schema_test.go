package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/restpipe/internal/protocol"
	"github.com/danmuck/restpipe/internal/protocol/tlv"
	"github.com/danmuck/restpipe/internal/testutil/testlog"
)

func eventFields() []tlv.Field {
	return []tlv.Field{
		tlv.NewU16(FieldVersion, 1),
		tlv.NewString(FieldVerb, "get"),
		tlv.NewString(FieldNoun, "time"),
		tlv.NewString(FieldMimetype, "application/json"),
		tlv.NewBytes(FieldData, nil),
	}
}

func TestValidateEventRequiredFields(t *testing.T) {
	testlog.Start(t)
	if err := Validate(protocol.TypeEvent, eventFields()); err != nil {
		t.Fatalf("validate event: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := append(eventFields(), tlv.Field{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}})
	if err := Validate(protocol.TypeEvent, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateHeartbeatNeedsNothing(t *testing.T) {
	testlog.Start(t)
	if err := Validate(protocol.TypeHeartbeat, nil); err != nil {
		t.Fatalf("validate heartbeat: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.NewU16(FieldVersion, 1)}
	err := Validate(protocol.TypeEventReply, fields)
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldMimetype || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
	if !errors.Is(err, protocol.ErrMalformedFrame) {
		t.Fatalf("expected malformed frame match, got %v", err)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := eventFields()
	fields[1] = tlv.Field{ID: FieldVerb, Type: tlv.TypeU32, Value: []byte{0, 0, 0, 1}}
	err := Validate(protocol.TypeEvent, fields)
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldVerb || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	err := Validate(protocol.MessageType(77), nil)
	if !errors.Is(err, protocol.ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
}
