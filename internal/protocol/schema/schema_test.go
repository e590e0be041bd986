package schema

import (
	"testing"

	"github.com/danmuck/viewsync/internal/protocol/tlv"
	"github.com/danmuck/viewsync/internal/testutil/testlog"
)

func dataFields() []tlv.Field {
	return []tlv.Field{
		tlv.U16(FieldFrom, 1),
		tlv.Varints(FieldClock, []uint64{0, 1, 0}),
		tlv.String(FieldHeader, "data"),
		tlv.String(FieldContent, "21.5"),
	}
}

func TestValidateDataRequiredFields(t *testing.T) {
	testlog.Start(t)
	if err := Validate(MsgData, dataFields()); err != nil {
		t.Fatalf("validate data: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := append(dataFields(), tlv.Field{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}})
	if err := Validate(MsgData, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.U16(FieldFrom, 0)}
	err := Validate(MsgResume, fields)
	if err == nil {
		t.Fatalf("expected error")
	}
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldEpoch || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.U16(FieldFrom, 0),
		tlv.U8(FieldAckKind, 1),
		tlv.U16(FieldSender, 0),
		tlv.String(FieldSeq, "7"),
	}
	err := Validate(MsgAck, fields)
	if err == nil {
		t.Fatalf("expected error")
	}
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldSeq || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	err := Validate(99, dataFields())
	ve, ok := err.(ValidationError)
	if !ok || ve.FieldID != 0 || ve.Reason != "unknown message_type" {
		t.Fatalf("unexpected error: %v", err)
	}
	if MessageName(99) != "unknown" || MessageName(MsgView) != "view" {
		t.Fatalf("unexpected message names")
	}
}
