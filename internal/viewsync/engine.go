// Package viewsync is the group protocol engine: causal delivery over vector
// clocks, retransmit-until-acked multicast, and the coordinator-driven view
// change that suspends and resumes traffic.
//
// An Engine is not safe for concurrent use. Exactly one goroutine (the node
// loop) owns it and feeds it inbound units, application requests and ticks.
package viewsync

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/viewsync/internal/observability"
	"github.com/danmuck/viewsync/internal/protocol"
	"github.com/danmuck/viewsync/internal/protocol/frame"
	"github.com/danmuck/viewsync/internal/vclock"
)

type proposal struct {
	epoch uint64
	view  View
}

type Engine struct {
	cfg     Config
	n       int
	self    ProcessID
	tr      Sender
	deliver DeliverFunc
	logger  zerolog.Logger
	node    string
	rng     *rand.Rand

	state    State
	clock    vclock.Clock
	view     View
	epoch    uint64
	proposed uint64
	pending  *proposal
	queue    []Message
	unstable *UnstableTable

	// following is the coordinator incarnation whose epochs and clocks this
	// engine is in. retired holds the ones it has moved away from.
	following string
	retired   map[string]bool
}

// New builds an engine in IDLE with a zero clock and the full view. The
// group becomes ACTIVE only through a completed view change.
func New(cfg Config, tr Sender, deliver DeliverFunc, logger zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if deliver == nil {
		deliver = func(Message) {}
	}
	n := len(cfg.Members)
	node := strconv.Itoa(int(cfg.ID))
	e := &Engine{
		cfg:      cfg,
		n:        n,
		self:     cfg.ID,
		tr:       tr,
		deliver:  deliver,
		logger:   logger.With().Str("component", "viewsync").Uint16("pid", uint16(cfg.ID)).Logger(),
		node:     node,
		rng:      rand.New(rand.NewSource(int64(cfg.ID) + 1)),
		state:    StateIdle,
		clock:    vclock.New(n),
		view:     FullView(n),
		unstable: NewUnstableTable(),
		retired:  make(map[string]bool),
	}
	if e.IsCoordinator() {
		e.following = cfg.Incarnation
	}
	e.publishGauges()
	return e, nil
}

func (e *Engine) ID() ProcessID { return e.self }
func (e *Engine) IsCoordinator() bool { return e.self == e.cfg.Coordinator }
func (e *Engine) State() State { return e.state }
func (e *Engine) Epoch() uint64 { return e.epoch }
func (e *Engine) Clock() vclock.Clock { return e.clock.Clone() }
func (e *Engine) View() View { return e.view.Clone() }
func (e *Engine) QueueLen() int { return len(e.queue) }
func (e *Engine) Incarnation() string { return e.cfg.Incarnation }

// Multicast stamps and sends an application message to every member of the
// current view and tracks it until all of them ack. The clock only advances
// once the message has been encoded.
func (e *Engine) Multicast(header, content string) error {
	if e.state != StateActive || !e.view.Includes(e.self) {
		return ErrNotActive
	}
	next := e.clock.Clone()
	seq := next.Tick(int(e.self))
	unit := protocol.NewData(uint16(e.self), next, header, content).WithIncarnation(e.following)
	payload, err := protocol.Encode(unit)
	if errors.Is(err, frame.ErrPayloadTooLarge) {
		return fmt.Errorf("%w: %d header and %d content bytes", ErrMessageTooLarge, len(header), len(content))
	}
	if err != nil {
		return fmt.Errorf("viewsync: encode data: %w", err)
	}
	e.clock = next

	acks := make([]bool, e.n)
	for i := range acks {
		id := ProcessID(i)
		acks[i] = id == e.self || !e.view.Includes(id)
	}
	key := UnstableKey{Kind: EntryData, Seq: seq}
	e.track(key, payload, acks)
	e.logger.Debug().Uint64("seq", seq).Str("clock", e.clock.String()).Str("header", header).Msg("multicast")
	return nil
}

// ProposeView starts a view change. Only the coordinator may call it; a new
// proposal supersedes any control exchange still in flight.
func (e *Engine) ProposeView(view View) error {
	if !e.IsCoordinator() {
		return ErrNotCoordinator
	}
	if len(view) != e.n {
		return fmt.Errorf("%w: size %d, group has %d members", ErrInvalidView, len(view), e.n)
	}
	if !view.Includes(e.self) {
		return fmt.Errorf("%w: coordinator %d must stay in the view", ErrInvalidView, e.self)
	}

	e.unstable.RemoveKind(EntryView)
	e.unstable.RemoveKind(EntryResume)
	e.proposed = max(e.proposed, e.epoch) + 1
	e.pending = &proposal{epoch: e.proposed, view: view.Clone()}
	e.setState(StateIdle)

	payload, err := protocol.Encode(protocol.NewView(uint16(e.self), e.proposed, view).WithIncarnation(e.cfg.Incarnation))
	if err != nil {
		return fmt.Errorf("viewsync: encode view: %w", err)
	}
	e.logger.Info().Uint64("epoch", e.proposed).Str("view", view.String()).Msg("proposing view")
	e.track(UnstableKey{Kind: EntryView, Seq: e.proposed}, payload, e.selfOnlyAcks())
	return nil
}

// HandleDatagram decodes raw bytes and handles the unit. Malformed input is
// logged and dropped.
func (e *Engine) HandleDatagram(b []byte) {
	u, err := protocol.Decode(b)
	if err != nil {
		observability.RecordMalformed(e.node)
		e.logger.Warn().Err(err).Int("bytes", len(b)).Msg("discarding malformed datagram")
		return
	}
	e.HandleUnit(u)
}

// HandleUnit applies one decoded unit.
func (e *Engine) HandleUnit(u protocol.Unit) {
	if int(u.From) >= e.n {
		observability.RecordMalformed(e.node)
		e.logger.Warn().Uint16("from", u.From).Msg("unit from unknown member")
		return
	}
	observability.RecordUnitReceived(e.node, u.Kind.String())
	from := ProcessID(u.From)
	switch u.Kind {
	case protocol.KindData:
		e.onData(from, u.Data)
	case protocol.KindAck:
		e.onAck(from, u.Ack)
	case protocol.KindView:
		e.onView(from, u.View)
	case protocol.KindResume:
		e.onResume(from, u.Resume)
	}
	e.publishGauges()
}

// Tick runs one maintenance pass: a single bounded retransmission sweep and
// a drain of the delivery queue.
func (e *Engine) Tick(now time.Time) {
	for _, item := range e.unstable.Due(now) {
		item.Attempts++
		for _, id := range item.Pending() {
			e.sendTo(id, item.Payload, item.Key.Kind.String())
		}
		observability.RecordRetransmit(e.node, item.Key.Kind.String())
		item.arm(now, e.cfg.Backoff, e.rng)
		e.logger.Debug().
			Str("key", item.Key.String()).
			Int("attempt", item.Attempts).
			Interface("pending", item.Pending()).
			Msg("retransmit")
	}
	e.drainQueue()
	e.publishGauges()
}

func (e *Engine) onData(from ProcessID, d *protocol.Data) {
	if from == e.self {
		return
	}
	if len(d.Clock) != e.n {
		observability.RecordMalformed(e.node)
		e.logger.Warn().Uint16("from", uint16(from)).Int("size", len(d.Clock)).Msg("data clock size mismatch")
		return
	}
	msg := Message{Clock: vclock.Clock(d.Clock).Clone(), Sender: from, Header: d.Header, Content: d.Content}
	seq := msg.Clock[from]

	if d.Incarnation != e.following {
		// A retired run's data is acked so its sender can let go; data from
		// a run not yet followed is dropped and will be retransmitted.
		e.logger.Debug().
			Uint16("from", uint16(from)).
			Uint64("seq", seq).
			Str("data_incarnation", d.Incarnation).
			Msg("data from another coordinator run")
		if e.retired[d.Incarnation] {
			e.sendAck(from, protocol.AckData, uint16(from), seq, d.Incarnation)
		}
		return
	}

	switch {
	case vclock.Covers(e.clock, msg.Clock, int(from)):
		e.logger.Debug().Uint16("from", uint16(from)).Uint64("seq", seq).Msg("duplicate data")
	case e.state == StateActive && vclock.Deliverable(e.clock, msg.Clock, int(from)):
		e.deliverMessage(msg)
		e.drainQueue()
	default:
		e.enqueue(msg)
	}

	e.sendAck(from, protocol.AckData, uint16(from), seq, d.Incarnation)
}

func (e *Engine) onAck(from ProcessID, a *protocol.Ack) {
	var key UnstableKey
	switch a.Kind {
	case protocol.AckData:
		if ProcessID(a.Sender) != e.self || a.Incarnation != e.following {
			return
		}
		key = UnstableKey{Kind: EntryData, Seq: a.Seq}
	case protocol.AckView:
		if a.Incarnation != e.cfg.Incarnation {
			return
		}
		key = UnstableKey{Kind: EntryView, Seq: a.Seq}
	case protocol.AckResume:
		if a.Incarnation != e.cfg.Incarnation {
			return
		}
		key = UnstableKey{Kind: EntryResume, Seq: a.Seq}
	default:
		return
	}
	found, complete := e.unstable.Ack(key, from)
	if !found || !complete {
		return
	}
	e.unstable.Remove(key)
	e.logger.Debug().Str("key", key.String()).Msg("stable")
	switch key.Kind {
	case EntryView:
		e.completeView(key.Seq)
	case EntryResume:
		e.completeResume(key.Seq)
	}
}

func (e *Engine) onView(from ProcessID, v *protocol.View) {
	if from != e.cfg.Coordinator {
		e.logger.Warn().Uint16("from", uint16(from)).Msg("view from non-coordinator")
		return
	}
	if len(v.Members) != e.n {
		observability.RecordMalformed(e.node)
		e.logger.Warn().Int("size", len(v.Members)).Msg("view size mismatch")
		return
	}
	switch {
	case e.retired[v.Incarnation]:
		e.logger.Debug().Uint64("epoch", v.Epoch).Str("view_incarnation", v.Incarnation).Msg("view from retired coordinator run")
	case v.Incarnation != e.following:
		e.follow(v.Incarnation)
		e.setState(StateIdle)
		e.adoptView(v.Epoch, View(v.Members))
	case v.Epoch > e.epoch:
		e.setState(StateIdle)
		e.adoptView(v.Epoch, View(v.Members))
	}
	e.sendAck(from, protocol.AckView, uint16(from), v.Epoch, v.Incarnation)
}

func (e *Engine) onResume(from ProcessID, r *protocol.Resume) {
	if from != e.cfg.Coordinator {
		e.logger.Warn().Uint16("from", uint16(from)).Msg("resume from non-coordinator")
		return
	}
	if r.Incarnation == e.following && r.Epoch == e.epoch && e.state == StateIdle && e.view.Includes(e.self) {
		e.setState(StateActive)
		e.drainQueue()
	}
	e.sendAck(from, protocol.AckResume, uint16(from), r.Epoch, r.Incarnation)
}

// follow switches to a new coordinator run. Epochs restart with it, so the
// clock, queue and own data entries of the previous run are discarded.
func (e *Engine) follow(incarnation string) {
	if e.following != "" {
		e.retired[e.following] = true
		e.logger.Warn().
			Str("previous", e.following).
			Str("incarnation", incarnation).
			Uint64("epoch", e.epoch).
			Str("clock", e.clock.String()).
			Int("queued", len(e.queue)).
			Msg("coordinator restarted, resetting group state")
		e.clock = vclock.New(e.n)
		e.queue = nil
		e.epoch = 0
		e.unstable.RemoveKind(EntryData)
	}
	e.following = incarnation
}

func (e *Engine) completeView(epoch uint64) {
	if e.pending == nil || e.pending.epoch != epoch {
		return
	}
	e.adoptView(epoch, e.pending.view)
	e.pending = nil

	payload, err := protocol.Encode(protocol.NewResume(uint16(e.self), epoch).WithIncarnation(e.cfg.Incarnation))
	if err != nil {
		e.logger.Error().Err(err).Msg("encode resume")
		return
	}
	e.track(UnstableKey{Kind: EntryResume, Seq: epoch}, payload, e.selfOnlyAcks())
}

func (e *Engine) completeResume(epoch uint64) {
	if epoch != e.epoch {
		return
	}
	e.setState(StateActive)
	e.drainQueue()
}

// adoptView installs a view and releases pending data entries from members
// the view excludes.
func (e *Engine) adoptView(epoch uint64, view View) {
	e.epoch = epoch
	e.view = view.Clone()
	observability.RecordViewChange(e.node)
	e.logger.Info().Uint64("epoch", epoch).Str("view", e.view.String()).Msg("view adopted")

	for _, item := range e.unstable.List() {
		if item.Key.Kind != EntryData {
			continue
		}
		for i := range item.Acks {
			if !e.view.Includes(ProcessID(i)) {
				item.Acks[i] = true
			}
		}
		if item.Complete() {
			e.unstable.Remove(item.Key)
		}
	}
}

// track sends payload to every member whose ack slot is false and registers
// the entry, or finishes it at once when nobody is pending.
func (e *Engine) track(key UnstableKey, payload []byte, acks []bool) {
	item := &Unstable{Key: key, Payload: payload, Acks: acks, Attempts: 1}
	item.arm(e.cfg.Now(), e.cfg.Backoff, e.rng)
	for _, id := range item.Pending() {
		e.sendTo(id, payload, key.Kind.String())
	}
	if !item.Complete() {
		e.unstable.Upsert(item)
		e.publishGauges()
		return
	}
	switch key.Kind {
	case EntryView:
		e.completeView(key.Seq)
	case EntryResume:
		e.completeResume(key.Seq)
	}
	e.publishGauges()
}

func (e *Engine) selfOnlyAcks() []bool {
	acks := make([]bool, e.n)
	acks[e.self] = true
	return acks
}

func (e *Engine) enqueue(msg Message) {
	for _, q := range e.queue {
		if q.Sender == msg.Sender && q.Clock[q.Sender] == msg.Clock[msg.Sender] {
			return
		}
	}
	e.queue = append(e.queue, msg)
	e.logger.Debug().
		Uint16("from", uint16(msg.Sender)).
		Str("msg_clock", msg.Clock.String()).
		Str("clock", e.clock.String()).
		Int("queued", len(e.queue)).
		Msg("queued")
}

// drainQueue delivers every queued message that has become deliverable,
// repeating until a full pass delivers nothing.
func (e *Engine) drainQueue() {
	if e.state != StateActive {
		return
	}
	for {
		progress := false
		kept := e.queue[:0]
		for _, msg := range e.queue {
			switch {
			case vclock.Covers(e.clock, msg.Clock, int(msg.Sender)):
			case vclock.Deliverable(e.clock, msg.Clock, int(msg.Sender)):
				e.deliverMessage(msg)
				progress = true
			default:
				kept = append(kept, msg)
			}
		}
		for i := len(kept); i < len(e.queue); i++ {
			e.queue[i] = Message{}
		}
		e.queue = kept
		if !progress {
			return
		}
	}
}

func (e *Engine) deliverMessage(msg Message) {
	if err := e.clock.Merge(msg.Clock); err != nil {
		e.logger.Error().Err(err).Msg("merge clock")
		return
	}
	observability.RecordDelivery(e.node)
	e.logger.Debug().Uint16("from", uint16(msg.Sender)).Str("clock", e.clock.String()).Msg("delivered")
	e.deliver(msg)
}

func (e *Engine) sendAck(to ProcessID, kind protocol.AckKind, sender uint16, seq uint64, incarnation string) {
	payload, err := protocol.Encode(protocol.NewAck(uint16(e.self), kind, sender, seq).WithIncarnation(incarnation))
	if err != nil {
		e.logger.Error().Err(err).Msg("encode ack")
		return
	}
	e.sendTo(to, payload, protocol.KindAck.String())
}

func (e *Engine) sendTo(id ProcessID, payload []byte, kind string) {
	m, ok := e.cfg.Members[id]
	if !ok {
		return
	}
	if err := e.tr.Send(m.Endpoint(), payload); err != nil {
		observability.RecordSendError(e.node)
		e.logger.Warn().Err(err).Uint16("to", uint16(id)).Str("kind", kind).Msg("send failed")
		return
	}
	observability.RecordUnitSent(e.node, kind)
}

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	e.logger.Info().Str("from", e.state.String()).Str("to", s.String()).Msg("state")
	e.state = s
}

func (e *Engine) publishGauges() {
	observability.SetEngineGauges(e.node, int(e.state), len(e.queue), e.unstable.Len())
}
