// Package frame reads and writes the fixed-header frames carried on a
// media service channel.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic          uint32 = 0x4D535643 // "MSVC"
	Version        uint16 = 1
	FixedHeaderLen uint16 = 40

	FlagHasAuth    uint32 = 0x01
	FlagIsResponse uint32 = 0x02
	FlagIsError    uint32 = 0x04
	FlagIsEvent    uint32 = 0x08
)

var (
	ErrShortHeader       = errors.New("frame: short fixed header")
	ErrBadMagic          = errors.New("frame: bad magic")
	ErrBadVersion        = errors.New("frame: unsupported version")
	ErrHeaderLenTooSmall = errors.New("frame: header_len smaller than fixed header")
	ErrHeaderLenMismatch = errors.New("frame: auth present but header_len has no auth bytes")
	ErrPayloadTooLarge   = errors.New("frame: payload too large")
	ErrAuthTooLarge      = errors.New("frame: auth too large")
)

// Header is the fixed wire header. Status is an mserr code on responses.
type Header struct {
	Magic      uint32
	Version    uint16
	HeaderLen  uint16
	CallID     uint64
	Method     uint32
	Flags      uint32
	Session    uint64
	Status     int32
	PayloadLen uint32
}

func (h Header) IsResponse() bool { return h.Flags&FlagIsResponse != 0 }
func (h Header) IsEvent() bool    { return h.Flags&FlagIsEvent != 0 }
func (h Header) IsError() bool    { return h.Flags&FlagIsError != 0 }

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Auth    []byte
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxAuthBytes    uint32
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxAuthBytes:    4 * 1024,
		MaxPayloadBytes: 16 * 1024 * 1024,
	}
}

// ReadFrame reads one frame. A stream closed cleanly between frames
// returns io.EOF.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	n, err := io.ReadFull(r, fixed[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Magic != Magic {
		return Frame{}, fmt.Errorf("%w: %#x", ErrBadMagic, h.Magic)
	}
	if h.Version != Version {
		return Frame{}, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	if h.HeaderLen < FixedHeaderLen {
		return Frame{}, ErrHeaderLenTooSmall
	}

	authLen := uint32(h.HeaderLen - FixedHeaderLen)
	if h.Flags&FlagHasAuth != 0 && authLen == 0 {
		return Frame{}, ErrHeaderLenMismatch
	}
	if authLen > limits.MaxAuthBytes {
		return Frame{}, ErrAuthTooLarge
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	auth := make([]byte, authLen)
	if authLen > 0 {
		if _, err := io.ReadFull(r, auth); err != nil {
			return Frame{}, err
		}
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}

	return Frame{Header: h, Auth: auth, Payload: payload}, nil
}

// WriteFrame fills in magic, version and lengths and writes f as one buffer.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	authLen := uint32(len(f.Auth))
	payloadLen := uint32(len(f.Payload))
	if len(f.Auth) > int(limits.MaxAuthBytes) || len(f.Auth) > int(^uint16(0)-FixedHeaderLen) {
		return ErrAuthTooLarge
	}
	if len(f.Payload) > int(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}

	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.HeaderLen = FixedHeaderLen + uint16(authLen)
	h.PayloadLen = payloadLen
	if authLen > 0 {
		h.Flags |= FlagHasAuth
	} else {
		h.Flags &^= FlagHasAuth
	}

	buf := make([]byte, 0, int(h.HeaderLen)+len(f.Payload))
	buf = append(buf, EncodeHeader(h)...)
	buf = append(buf, f.Auth...)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.CallID)
	binary.BigEndian.PutUint32(buf[16:20], h.Method)
	binary.BigEndian.PutUint32(buf[20:24], h.Flags)
	binary.BigEndian.PutUint64(buf[24:32], h.Session)
	binary.BigEndian.PutUint32(buf[32:36], uint32(h.Status))
	binary.BigEndian.PutUint32(buf[36:40], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Version:    binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:  binary.BigEndian.Uint16(b[6:8]),
		CallID:     binary.BigEndian.Uint64(b[8:16]),
		Method:     binary.BigEndian.Uint32(b[16:20]),
		Flags:      binary.BigEndian.Uint32(b[20:24]),
		Session:    binary.BigEndian.Uint64(b[24:32]),
		Status:     int32(binary.BigEndian.Uint32(b[32:36])),
		PayloadLen: binary.BigEndian.Uint32(b[36:40]),
	}, nil
}
