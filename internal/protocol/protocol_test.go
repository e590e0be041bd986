package protocol

import (
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/viewsync/internal/protocol/frame"
	"github.com/danmuck/viewsync/internal/protocol/schema"
	"github.com/danmuck/viewsync/internal/protocol/tlv"
)

func TestDataRoundTripCarriesClockAndSequence(t *testing.T) {
	in := NewData(1, []uint64{3, 7, 0}, "data", "21.5,with,commas")
	b, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Kind != KindData || out.From != 1 || out.Data == nil {
		t.Fatalf("unexpected unit: %+v", out)
	}
	if out.Data.Header != "data" || out.Data.Content != "21.5,with,commas" {
		t.Fatalf("payload mismatch: %+v", out.Data)
	}
	if len(out.Data.Clock) != 3 || out.Data.Clock[1] != 7 || out.Sequence() != 7 {
		t.Fatalf("clock mismatch: %v seq=%d", out.Data.Clock, out.Sequence())
	}

	fr, err := frame.Unmarshal(b, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if fr.Header.Sequence != 7 || fr.Header.MessageType != schema.MsgData {
		t.Fatalf("unexpected frame header: %+v", fr.Header)
	}
}

func TestAckVariantsAreDistinguishable(t *testing.T) {
	for _, in := range []Unit{
		NewAck(2, AckData, 1, 9),
		NewAck(2, AckView, 0, 4),
		NewAck(2, AckResume, 0, 4),
	} {
		b, err := Encode(in)
		if err != nil {
			t.Fatalf("encode %s: %v", in.Ack.Kind, err)
		}
		out, err := Decode(b)
		if err != nil {
			t.Fatalf("decode %s: %v", in.Ack.Kind, err)
		}
		if out.Kind != KindAck || *out.Ack != *in.Ack || out.From != 2 {
			t.Fatalf("ack mismatch: in=%+v out=%+v", in.Ack, out.Ack)
		}
	}
}

func TestViewAndResumeRoundTrip(t *testing.T) {
	b, err := Encode(NewView(0, 3, []bool{true, true, false}))
	if err != nil {
		t.Fatalf("encode view: %v", err)
	}
	out, err := Decode(b)
	if err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if out.View.Epoch != 3 || len(out.View.Members) != 3 || out.View.Members[2] || !out.View.Members[0] {
		t.Fatalf("view mismatch: %+v", out.View)
	}

	b, err = Encode(NewResume(0, 3))
	if err != nil {
		t.Fatalf("encode resume: %v", err)
	}
	out, err = Decode(b)
	if err != nil {
		t.Fatalf("decode resume: %v", err)
	}
	if out.Kind != KindResume || out.Resume.Epoch != 3 {
		t.Fatalf("resume mismatch: %+v", out)
	}
}

func TestControlUnitsCarryIncarnation(t *testing.T) {
	const inc = "2f6c1c1e-run"
	units := []Unit{
		NewView(0, 1, []bool{true, true}).WithIncarnation(inc),
		NewResume(0, 1).WithIncarnation(inc),
		NewAck(1, AckView, 0, 1).WithIncarnation(inc),
	}
	for _, in := range units {
		b, err := Encode(in)
		if err != nil {
			t.Fatalf("encode %s: %v", in.Kind, err)
		}
		out, err := Decode(b)
		if err != nil {
			t.Fatalf("decode %s: %v", in.Kind, err)
		}
		if out.Incarnation() != inc {
			t.Fatalf("%s lost incarnation: %q", in.Kind, out.Incarnation())
		}
	}

	b, err := Encode(NewResume(0, 1))
	if err != nil {
		t.Fatalf("encode untagged resume: %v", err)
	}
	out, err := Decode(b)
	if err != nil {
		t.Fatalf("decode untagged resume: %v", err)
	}
	if out.Incarnation() != "" {
		t.Fatalf("untagged resume decoded with incarnation %q", out.Incarnation())
	}
}

func TestEncodeDataTooLargeForDatagram(t *testing.T) {
	_, err := Encode(NewData(0, []uint64{1, 0, 0}, "data", strings.Repeat("x", 70000)))
	if !errors.Is(err, frame.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	b, err := Encode(NewData(0, []uint64{1, 0, 0}, "data", strings.Repeat("x", 60000)))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b) > frame.MaxDatagram {
		t.Fatalf("datagram of %d bytes exceeds %d", len(b), frame.MaxDatagram)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("[1-0-0],0,data,21.5,*\n"))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	b, err := frame.Marshal(frame.Frame{
		Header:  frame.Header{Magic: 0xDEADBEEF, Version: Version, MessageType: schema.MsgResume},
		Payload: tlv.EncodeFields([]tlv.Field{tlv.U16(schema.FieldFrom, 0), tlv.U64(schema.FieldEpoch, 1)}),
	}, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_, err = Decode(b)
	if !errors.Is(err, ErrMalformed) || !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestDecodeMissingFieldIsMalformed(t *testing.T) {
	b, err := frame.Marshal(frame.Frame{
		Header:  frame.Header{Magic: Magic, Version: Version, MessageType: schema.MsgData},
		Payload: tlv.EncodeFields([]tlv.Field{tlv.U16(schema.FieldFrom, 0), tlv.String(schema.FieldHeader, "data")}),
	}, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_, err = Decode(b)
	var ve schema.ValidationError
	if !errors.Is(err, ErrMalformed) || !errors.As(err, &ve) {
		t.Fatalf("expected wrapped ValidationError, got %v", err)
	}
	if ve.FieldID != schema.FieldClock {
		t.Fatalf("unexpected missing field: %+v", ve)
	}
}

func TestDecodeSenderOutsideClock(t *testing.T) {
	b, err := frame.Marshal(frame.Frame{
		Header: frame.Header{Magic: Magic, Version: Version, MessageType: schema.MsgData},
		Payload: tlv.EncodeFields([]tlv.Field{
			tlv.U16(schema.FieldFrom, 5),
			tlv.Varints(schema.FieldClock, []uint64{1, 0, 0}),
			tlv.String(schema.FieldHeader, "data"),
			tlv.String(schema.FieldContent, "x"),
		}),
	}, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := Decode(b); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestEncodeRejectsEmptyBody(t *testing.T) {
	if _, err := Encode(Unit{Kind: KindAck, From: 1}); !errors.Is(err, ErrEmptyUnit) {
		t.Fatalf("expected ErrEmptyUnit, got %v", err)
	}
	if _, err := Encode(Unit{Kind: Kind(42)}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}
