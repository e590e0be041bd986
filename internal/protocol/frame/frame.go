package frame

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/sha3"
)

const (
	FixedHeaderLen uint16 = 32
	DigestLen             = 8
	FlagHasDigest  uint32 = 0x01

	// MaxDatagram is the largest UDP payload an IPv4 datagram can carry.
	MaxDatagram = 65507
)

var (
	ErrShortHeader       = errors.New("frame: short fixed header")
	ErrHeaderLenTooSmall = errors.New("frame: header_len smaller than fixed header")
	ErrPayloadTooLarge   = errors.New("frame: payload too large")
	ErrMissingDigest     = errors.New("frame: digest required")
	ErrDigestMismatch    = errors.New("frame: digest mismatch")
	ErrTrailingBytes     = errors.New("frame: trailing bytes after frame")
)

// Header is the fixed wire header.
type Header struct {
	Magic       uint32
	Version     uint16
	HeaderLen   uint16
	Sequence    uint64
	MessageType uint32
	Flags       uint32
	PayloadLen  uint64
}

// Frame is one complete datagram.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint64
	RequireDigest   bool
}

// DefaultLimits fits a frame inside one UDP datagram.
func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: MaxDatagram - uint64(FixedHeaderLen) - DigestLen,
		RequireDigest:   true,
	}
}

// Marshal encodes f with a digest trailer.
func Marshal(f Frame, limits Limits) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, f, limits); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes exactly one frame from a datagram.
func Unmarshal(b []byte, limits Limits) (Frame, error) {
	r := bytes.NewReader(b)
	f, err := ReadFrame(r, limits)
	if err != nil {
		return Frame{}, err
	}
	if r.Len() != 0 {
		return Frame{}, ErrTrailingBytes
	}
	return f, nil
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.HeaderLen != FixedHeaderLen {
		return Frame{}, ErrHeaderLenTooSmall
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	hasDigest := h.Flags&FlagHasDigest != 0
	if limits.RequireDigest && !hasDigest {
		return Frame{}, ErrMissingDigest
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("frame: read payload: %w", err)
		}
	}

	if hasDigest {
		var got [DigestLen]byte
		if _, err := io.ReadFull(r, got[:]); err != nil {
			return Frame{}, fmt.Errorf("frame: read digest: %w", err)
		}
		want := digest(fixed[:], payload)
		if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
			return Frame{}, ErrDigestMismatch
		}
	}

	return Frame{Header: h, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	payloadLen := uint64(len(f.Payload))
	if payloadLen > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	h := f.Header
	h.HeaderLen = FixedHeaderLen
	h.PayloadLen = payloadLen
	h.Flags |= FlagHasDigest

	hb := EncodeHeader(h)
	if _, err := w.Write(hb); err != nil {
		return err
	}
	if payloadLen > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	sum := digest(hb, f.Payload)
	_, err := w.Write(sum[:])
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.Sequence)
	binary.BigEndian.PutUint32(buf[16:20], h.MessageType)
	binary.BigEndian.PutUint32(buf[20:24], h.Flags)
	binary.BigEndian.PutUint64(buf[24:32], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:   binary.BigEndian.Uint16(b[6:8]),
		Sequence:    binary.BigEndian.Uint64(b[8:16]),
		MessageType: binary.BigEndian.Uint32(b[16:20]),
		Flags:       binary.BigEndian.Uint32(b[20:24]),
		PayloadLen:  binary.BigEndian.Uint64(b[24:32]),
	}, nil
}

// digest is a truncated SHA3-256 over header and payload. It detects
// corruption only; it is not an authenticator.
func digest(header, payload []byte) [DigestLen]byte {
	h := sha3.New256()
	h.Write(header)
	h.Write(payload)
	var out [DigestLen]byte
	copy(out[:], h.Sum(nil))
	return out
}
