package protocol

import (
	"fmt"

	"github.com/danmuck/viewsync/internal/protocol/frame"
	"github.com/danmuck/viewsync/internal/protocol/schema"
	"github.com/danmuck/viewsync/internal/protocol/tlv"
)

// Decode parses one datagram. Any failure wraps ErrMalformed so callers can
// discard with a single check.
func Decode(b []byte) (Unit, error) {
	f, err := frame.Unmarshal(b, frame.DefaultLimits())
	if err != nil {
		return Unit{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if f.Header.Magic != Magic {
		return Unit{}, fmt.Errorf("%w: %w", ErrMalformed, ErrInvalidMagic)
	}
	if f.Header.Version != Version {
		return Unit{}, fmt.Errorf("%w: %w", ErrMalformed, ErrUnsupportedVersion)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Unit{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := schema.Validate(f.Header.MessageType, fields); err != nil {
		return Unit{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	from, err := requiredU16(fields, schema.FieldFrom)
	if err != nil {
		return Unit{}, err
	}
	u := Unit{Kind: Kind(f.Header.MessageType), From: from}
	switch u.Kind {
	case KindData:
		u.Data, err = decodeData(fields)
	case KindAck:
		u.Ack, err = decodeAck(fields)
	case KindView:
		u.View, err = decodeView(fields)
	case KindResume:
		var epoch uint64
		epoch, err = requiredU64(fields, schema.FieldEpoch)
		u.Resume = &Resume{Epoch: epoch}
	}
	if err != nil {
		return Unit{}, err
	}
	if f, ok := tlv.GetField(fields, schema.FieldIncarnation); ok {
		u = u.WithIncarnation(string(f.Value))
	}
	if err := u.validate(); err != nil {
		return Unit{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return u, nil
}

func decodeData(fields []tlv.Field) (*Data, error) {
	f, _ := tlv.GetField(fields, schema.FieldClock)
	clock, err := tlv.VarintsFromBytes(f.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: clock: %w", ErrMalformed, err)
	}
	if len(clock) == 0 {
		return nil, fmt.Errorf("%w: empty clock", ErrMalformed)
	}
	return &Data{
		Clock:   clock,
		Header:  getRequiredString(fields, schema.FieldHeader),
		Content: getRequiredString(fields, schema.FieldContent),
	}, nil
}

func decodeAck(fields []tlv.Field) (*Ack, error) {
	f, _ := tlv.GetField(fields, schema.FieldAckKind)
	kind, err := tlv.U8FromBytes(f.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	sender, err := requiredU16(fields, schema.FieldSender)
	if err != nil {
		return nil, err
	}
	seq, err := requiredU64(fields, schema.FieldSeq)
	if err != nil {
		return nil, err
	}
	return &Ack{Kind: AckKind(kind), Sender: sender, Seq: seq}, nil
}

func decodeView(fields []tlv.Field) (*View, error) {
	epoch, err := requiredU64(fields, schema.FieldEpoch)
	if err != nil {
		return nil, err
	}
	f, _ := tlv.GetField(fields, schema.FieldView)
	members := make([]bool, len(f.Value))
	for i, b := range f.Value {
		switch b {
		case 0:
		case 1:
			members[i] = true
		default:
			return nil, fmt.Errorf("%w: view slot %d has value %d", ErrMalformed, i, b)
		}
	}
	return &View{Epoch: epoch, Members: members}, nil
}

// getRequiredString assumes schema.Validate already ran.
func getRequiredString(fields []tlv.Field, id uint16) string {
	f, _ := tlv.GetField(fields, id)
	return string(f.Value)
}

func requiredU16(fields []tlv.Field, id uint16) (uint16, error) {
	f, _ := tlv.GetField(fields, id)
	v, err := tlv.U16FromBytes(f.Value)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return v, nil
}

func requiredU64(fields []tlv.Field, id uint16) (uint64, error) {
	f, _ := tlv.GetField(fields, id)
	v, err := tlv.U64FromBytes(f.Value)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return v, nil
}
