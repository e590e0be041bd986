package schema

import (
	"fmt"

	"github.com/danmuck/viewsync/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs from the wire contract.
const (
	MsgData   uint32 = 1
	MsgAck    uint32 = 2
	MsgView   uint32 = 3
	MsgResume uint32 = 4
)

// Field IDs from the wire contract.
const (
	FieldFrom uint16 = 1

	FieldClock   uint16 = 100
	FieldHeader  uint16 = 101
	FieldContent uint16 = 102

	FieldAckKind uint16 = 200
	FieldSender  uint16 = 201
	FieldSeq     uint16 = 202

	FieldEpoch uint16 = 300
	FieldView  uint16 = 301
	// FieldIncarnation is optional on every unit. It names the coordinator
	// run whose epochs and clocks the unit belongs to.
	FieldIncarnation uint16 = 302
)

// MessageName returns a stable label for logs and metrics.
func MessageName(messageType uint32) string {
	switch messageType {
	case MsgData:
		return "data"
	case MsgAck:
		return "ack"
	case MsgView:
		return "view"
	case MsgResume:
		return "resume"
	default:
		return "unknown"
	}
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgData: {
		{FieldFrom, tlv.TypeU16},
		{FieldClock, tlv.TypeVarints},
		{FieldHeader, tlv.TypeString},
		{FieldContent, tlv.TypeString},
	},
	MsgAck: {
		{FieldFrom, tlv.TypeU16},
		{FieldAckKind, tlv.TypeU8},
		{FieldSender, tlv.TypeU16},
		{FieldSeq, tlv.TypeU64},
	},
	MsgView: {
		{FieldFrom, tlv.TypeU16},
		{FieldEpoch, tlv.TypeU64},
		{FieldView, tlv.TypeBytes},
	},
	MsgResume: {
		{FieldFrom, tlv.TypeU16},
		{FieldEpoch, tlv.TypeU64},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint32("message_type", messageType).Msg("schema: unknown message type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema: missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema: type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
