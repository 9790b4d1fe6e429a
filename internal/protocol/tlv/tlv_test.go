package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/restpipe/internal/protocol"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		NewString(2, "get"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformedHeaderIsViolation(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) || !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("expected ErrShortFieldHeader violation, got %v", err)
	}
}

func TestDecodeFieldsMalformedLength(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestTypedAccessors(t *testing.T) {
	v, err := NewU16(1, 7).U16()
	if err != nil || v != 7 {
		t.Fatalf("u16 got=%d err=%v", v, err)
	}
	code, err := NewU32(2, uint32(0xFFFFFFFF)).U32()
	if err != nil || int32(code) != -1 {
		t.Fatalf("u32 got=%d err=%v", code, err)
	}
	if _, err := NewString(3, "x").U32(); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	bad := Field{ID: 4, Type: TypeU16, Value: []byte{1}}
	_, err = bad.U16()
	if !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
	if !IsMalformed(err) {
		t.Fatalf("expected IsMalformed for %v", err)
	}
}

func TestNewBytesCopies(t *testing.T) {
	src := []byte("abc")
	f := NewBytes(5, src)
	src[0] = 'z'
	if string(f.Value) != "abc" {
		t.Fatalf("expected copy, got %q", f.Value)
	}
}
