package protocol

import (
	"fmt"

	"github.com/danmuck/viewsync/internal/protocol/schema"
)

const (
	Magic   uint32 = 0x5653594E // "VSYN"
	Version uint16 = 1
)

// Kind discriminates the four unit shapes carried on the wire.
type Kind uint32

const (
	KindData   = Kind(schema.MsgData)
	KindAck    = Kind(schema.MsgAck)
	KindView   = Kind(schema.MsgView)
	KindResume = Kind(schema.MsgResume)
)

func (k Kind) String() string {
	return schema.MessageName(uint32(k))
}

// AckKind says which pending entry an Ack refers to.
type AckKind uint8

const (
	AckData   AckKind = 1
	AckView   AckKind = 2
	AckResume AckKind = 3
)

func (k AckKind) String() string {
	switch k {
	case AckData:
		return "data"
	case AckView:
		return "view"
	case AckResume:
		return "resume"
	default:
		return fmt.Sprintf("ack_kind(%d)", uint8(k))
	}
}

// Unit is one decoded datagram. Exactly one body pointer is set and it
// matches Kind.
type Unit struct {
	Kind   Kind
	From   uint16
	Data   *Data
	Ack    *Ack
	View   *View
	Resume *Resume
}

// Data is an application multicast stamped with the sender's clock.
// Incarnation names the coordinator run whose clock space Clock belongs to.
type Data struct {
	Clock       []uint64
	Header      string
	Content     string
	Incarnation string
}

// Ack acknowledges wire receipt. For AckData, Sender and Seq name the
// acknowledged message; for control acks Seq carries the view epoch.
// Incarnation echoes the acknowledged unit.
type Ack struct {
	Kind        AckKind
	Sender      uint16
	Seq         uint64
	Incarnation string
}

// View announces a new membership mask under a coordinator epoch. Epochs
// are only comparable within one coordinator incarnation.
type View struct {
	Epoch       uint64
	Members     []bool
	Incarnation string
}

// Resume re-enables application traffic for an epoch.
type Resume struct {
	Epoch       uint64
	Incarnation string
}

func NewData(from uint16, clock []uint64, header, content string) Unit {
	c := make([]uint64, len(clock))
	copy(c, clock)
	return Unit{Kind: KindData, From: from, Data: &Data{Clock: c, Header: header, Content: content}}
}

func NewAck(from uint16, kind AckKind, sender uint16, seq uint64) Unit {
	return Unit{Kind: KindAck, From: from, Ack: &Ack{Kind: kind, Sender: sender, Seq: seq}}
}

func NewView(from uint16, epoch uint64, members []bool) Unit {
	m := make([]bool, len(members))
	copy(m, members)
	return Unit{Kind: KindView, From: from, View: &View{Epoch: epoch, Members: m}}
}

func NewResume(from uint16, epoch uint64) Unit {
	return Unit{Kind: KindResume, From: from, Resume: &Resume{Epoch: epoch}}
}

// WithIncarnation tags the unit with a coordinator incarnation.
func (u Unit) WithIncarnation(inc string) Unit {
	switch {
	case u.Data != nil:
		d := *u.Data
		d.Incarnation = inc
		u.Data = &d
	case u.Ack != nil:
		a := *u.Ack
		a.Incarnation = inc
		u.Ack = &a
	case u.View != nil:
		v := *u.View
		v.Incarnation = inc
		u.View = &v
	case u.Resume != nil:
		r := *u.Resume
		r.Incarnation = inc
		u.Resume = &r
	}
	return u
}

// Incarnation returns the coordinator incarnation carried by the unit, or
// "" when there is none.
func (u Unit) Incarnation() string {
	switch {
	case u.Data != nil:
		return u.Data.Incarnation
	case u.Ack != nil:
		return u.Ack.Incarnation
	case u.View != nil:
		return u.View.Incarnation
	case u.Resume != nil:
		return u.Resume.Incarnation
	}
	return ""
}

// Sequence is the per-sender number carried in the frame header.
func (u Unit) Sequence() uint64 {
	switch u.Kind {
	case KindData:
		if u.Data != nil && int(u.From) < len(u.Data.Clock) {
			return u.Data.Clock[u.From]
		}
	case KindAck:
		if u.Ack != nil {
			return u.Ack.Seq
		}
	case KindView:
		if u.View != nil {
			return u.View.Epoch
		}
	case KindResume:
		if u.Resume != nil {
			return u.Resume.Epoch
		}
	}
	return 0
}

func (u Unit) validate() error {
	switch u.Kind {
	case KindData:
		if u.Data == nil {
			return ErrEmptyUnit
		}
		if int(u.From) >= len(u.Data.Clock) {
			return fmt.Errorf("%w: sender %d outside clock of size %d", ErrMalformed, u.From, len(u.Data.Clock))
		}
	case KindAck:
		if u.Ack == nil {
			return ErrEmptyUnit
		}
		switch u.Ack.Kind {
		case AckData, AckView, AckResume:
		default:
			return fmt.Errorf("%w: ack kind %d", ErrMalformed, u.Ack.Kind)
		}
	case KindView:
		if u.View == nil {
			return ErrEmptyUnit
		}
		if len(u.View.Members) == 0 {
			return fmt.Errorf("%w: empty view", ErrMalformed)
		}
	case KindResume:
		if u.Resume == nil {
			return ErrEmptyUnit
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, uint32(u.Kind))
	}
	return nil
}
