package protocol

import (
	"github.com/danmuck/viewsync/internal/protocol/frame"
	"github.com/danmuck/viewsync/internal/protocol/schema"
	"github.com/danmuck/viewsync/internal/protocol/tlv"
)

// Encode serializes u into one framed datagram.
func Encode(u Unit) ([]byte, error) {
	if err := u.validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{tlv.U16(schema.FieldFrom, u.From)}
	switch u.Kind {
	case KindData:
		fields = append(fields,
			tlv.Varints(schema.FieldClock, u.Data.Clock),
			tlv.String(schema.FieldHeader, u.Data.Header),
			tlv.String(schema.FieldContent, u.Data.Content),
		)
	case KindAck:
		fields = append(fields,
			tlv.U8(schema.FieldAckKind, uint8(u.Ack.Kind)),
			tlv.U16(schema.FieldSender, u.Ack.Sender),
			tlv.U64(schema.FieldSeq, u.Ack.Seq),
		)
	case KindView:
		fields = append(fields,
			tlv.U64(schema.FieldEpoch, u.View.Epoch),
			tlv.Bytes(schema.FieldView, packMembers(u.View.Members)),
		)
	case KindResume:
		fields = append(fields, tlv.U64(schema.FieldEpoch, u.Resume.Epoch))
	}
	if inc := u.Incarnation(); inc != "" {
		fields = append(fields, tlv.String(schema.FieldIncarnation, inc))
	}
	if err := schema.Validate(uint32(u.Kind), fields); err != nil {
		return nil, err
	}
	return frame.Marshal(frame.Frame{
		Header: frame.Header{
			Magic:       Magic,
			Version:     Version,
			Sequence:    u.Sequence(),
			MessageType: uint32(u.Kind),
		},
		Payload: tlv.EncodeFields(fields),
	}, frame.DefaultLimits())
}

func packMembers(members []bool) []byte {
	out := make([]byte, len(members))
	for i, in := range members {
		if in {
			out[i] = 1
		}
	}
	return out
}
