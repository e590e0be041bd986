package viewsync

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/viewsync/internal/protocol"
	"github.com/danmuck/viewsync/internal/testutil/testlog"
	"github.com/danmuck/viewsync/internal/transport"
)

type packet struct {
	from    ProcessID
	to      ProcessID
	payload []byte
}

func (p packet) unit(t *testing.T) protocol.Unit {
	t.Helper()
	u, err := protocol.Decode(p.payload)
	if err != nil {
		t.Fatalf("decode in-flight packet: %v", err)
	}
	return u
}

// cluster wires engines through an in-test packet queue so tests control
// ordering, loss and time explicitly.
type cluster struct {
	t         *testing.T
	log       zerolog.Logger
	now       time.Time
	engines   []*Engine
	delivered [][]Message
	inflight  []packet
	sent      []packet
}

type clusterSender struct {
	c    *cluster
	from ProcessID
}

func (s clusterSender) Send(to transport.Endpoint, payload []byte) error {
	var n int
	if _, err := fmt.Sscanf(to.Address, "p%d", &n); err != nil {
		return fmt.Errorf("%w: %s", transport.ErrUnknownTarget, to)
	}
	id := ProcessID(n)
	buf := make([]byte, len(payload))
	copy(buf, payload)
	p := packet{from: s.from, to: id, payload: buf}
	s.c.inflight = append(s.c.inflight, p)
	s.c.sent = append(s.c.sent, p)
	return nil
}

func members(n int) map[ProcessID]Member {
	out := make(map[ProcessID]Member, n)
	for i := 0; i < n; i++ {
		id := ProcessID(i)
		out[id] = Member{ID: id, Address: fmt.Sprintf("p%d", i), Port: 7000}
	}
	return out
}

func newCluster(t *testing.T, n int) *cluster {
	t.Helper()
	c := &cluster{
		t:         t,
		log:       testlog.Start(t),
		now:       time.Unix(1_700_000_000, 0),
		delivered: make([][]Message, n),
	}
	for i := 0; i < n; i++ {
		c.engines = append(c.engines, c.newEngine(ProcessID(i), n))
	}
	return c
}

func (c *cluster) newEngine(id ProcessID, n int) *Engine {
	c.t.Helper()
	cfg := Config{
		ID:          id,
		Coordinator: 0,
		Members:     members(n),
		AckTimeout:  5 * time.Second,
		Now:         func() time.Time { return c.now },
	}
	e, err := New(cfg, clusterSender{c: c, from: id}, func(m Message) {
		c.delivered[id] = append(c.delivered[id], m)
	}, c.log)
	if err != nil {
		c.t.Fatalf("new engine %d: %v", id, err)
	}
	return e
}

// restart replaces an engine with a fresh one, as if the process crashed
// and came back with no state.
func (c *cluster) restart(id ProcessID) {
	c.engines[id] = c.newEngine(id, len(c.engines))
	c.delivered[id] = nil
}

// pump delivers in-flight packets until none remain. Packets for which drop
// returns true are lost.
func (c *cluster) pump(drop func(packet) bool) {
	c.t.Helper()
	for rounds := 0; len(c.inflight) > 0; rounds++ {
		if rounds > 1000 {
			c.t.Fatalf("pump did not settle")
		}
		p := c.inflight[0]
		c.inflight = c.inflight[1:]
		if drop != nil && drop(p) {
			continue
		}
		c.engines[p.to].HandleDatagram(p.payload)
	}
}

// hold removes matching in-flight packets and returns them for later.
func (c *cluster) hold(match func(packet) bool) []packet {
	var held, rest []packet
	for _, p := range c.inflight {
		if match(p) {
			held = append(held, p)
		} else {
			rest = append(rest, p)
		}
	}
	c.inflight = rest
	return held
}

func (c *cluster) release(ps []packet) {
	c.inflight = append(c.inflight, ps...)
}

func (c *cluster) advance(d time.Duration) {
	c.now = c.now.Add(d)
	for _, e := range c.engines {
		e.Tick(c.now)
	}
}

func (c *cluster) activate(view View) {
	c.t.Helper()
	if err := c.engines[0].ProposeView(view); err != nil {
		c.t.Fatalf("propose view: %v", err)
	}
	c.pump(nil)
}

func (c *cluster) resetSent() {
	c.sent = nil
}

func dataTo(to ProcessID) func(packet) bool {
	return func(p packet) bool {
		u, err := protocol.Decode(p.payload)
		return err == nil && p.to == to && u.Kind == protocol.KindData
	}
}
