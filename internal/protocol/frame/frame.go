package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/danmuck/restpipe/internal/protocol"
)

const (
	Magic          uint32 = 0x52504950 // "RPIP"
	Version        uint16 = 1
	FixedHeaderLen uint16 = 40
	FlagIsResponse uint32 = 0x02
)

var (
	ErrBadMagic          = fmt.Errorf("%w: frame: bad magic", protocol.ErrMalformedFrame)
	ErrBadVersion        = fmt.Errorf("%w: frame: unsupported version", protocol.ErrMalformedFrame)
	ErrHeaderLenMismatch = fmt.Errorf("%w: frame: header_len mismatch", protocol.ErrMalformedFrame)
	ErrPayloadTooLarge   = fmt.Errorf("%w: frame: payload too large", protocol.ErrMalformedFrame)
)

// Header is the fixed wire header.
type Header struct {
	Magic       uint32
	Version     uint16
	HeaderLen   uint16
	MessageID   uint64
	MessageType uint32
	Flags       uint32
	ReplyTo     uint64
	PayloadLen  uint64
}

// IsResponse reports whether the frame answers an earlier request.
func (h Header) IsResponse() bool {
	return h.Flags&FlagIsResponse != 0
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

// ReadFrame blocks for one full header and its payload. A stream end at or
// inside a frame is reported as protocol.ErrConnectionClosed; deadline
// errors are returned unchanged.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return Frame{}, closedOr(err)
	}

	h := DecodeHeader(fixed[:])
	if h.Magic != Magic {
		return Frame{}, fmt.Errorf("%w: got=%#x", ErrBadMagic, h.Magic)
	}
	if h.Version != Version {
		return Frame{}, fmt.Errorf("%w: got=%d", ErrBadVersion, h.Version)
	}
	if h.HeaderLen != FixedHeaderLen {
		return Frame{}, fmt.Errorf("%w: got=%d", ErrHeaderLenMismatch, h.HeaderLen)
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.PayloadLen, limits.MaxPayloadBytes)
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, closedOr(err)
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame serializes the whole frame first and hands it to w in a single
// Write call. Callers sharing w still need their own lock.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	payloadLen := uint64(len(f.Payload))
	if payloadLen > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.HeaderLen = FixedHeaderLen
	h.PayloadLen = payloadLen

	buf := make([]byte, 0, int(FixedHeaderLen)+len(f.Payload))
	buf = append(buf, EncodeHeader(h)...)
	buf = append(buf, f.Payload...)
	if _, err := w.Write(buf); err != nil {
		return closedOr(err)
	}
	return nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.MessageID)
	binary.BigEndian.PutUint32(buf[16:20], h.MessageType)
	binary.BigEndian.PutUint32(buf[20:24], h.Flags)
	binary.BigEndian.PutUint64(buf[24:32], h.ReplyTo)
	binary.BigEndian.PutUint64(buf[32:40], h.PayloadLen)
	return buf
}

// DecodeHeader expects exactly FixedHeaderLen bytes.
func DecodeHeader(b []byte) Header {
	_ = b[FixedHeaderLen-1]
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:   binary.BigEndian.Uint16(b[6:8]),
		MessageID:   binary.BigEndian.Uint64(b[8:16]),
		MessageType: binary.BigEndian.Uint32(b[16:20]),
		Flags:       binary.BigEndian.Uint32(b[20:24]),
		ReplyTo:     binary.BigEndian.Uint64(b[24:32]),
		PayloadLen:  binary.BigEndian.Uint64(b[32:40]),
	}
}

func closedOr(err error) error {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)
	default:
		return err
	}
}
