package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/viewsync/internal/protocol"
	"github.com/danmuck/viewsync/internal/testutil/testlog"
	"github.com/danmuck/viewsync/internal/transport"
	"github.com/danmuck/viewsync/internal/viewsync"
)

type inbox struct {
	mu   sync.Mutex
	msgs []viewsync.Message
}

func (b *inbox) add(m viewsync.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, m)
}

func (b *inbox) contents() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.msgs))
	for i, m := range b.msgs {
		out[i] = m.Content
	}
	return out
}

type group struct {
	net      *transport.Network
	runtimes []*Runtime
	inboxes  []*inbox
	errs     chan error
	cancel   context.CancelFunc
}

func startGroup(t *testing.T, n int, bootstrap time.Duration) *group {
	t.Helper()
	log := testlog.Start(t)
	g := &group{net: transport.NewNetwork(), errs: make(chan error, n)}

	members := make(map[viewsync.ProcessID]viewsync.Member, n)
	for i := 0; i < n; i++ {
		id := viewsync.ProcessID(i)
		members[id] = viewsync.Member{ID: id, Address: fmt.Sprintf("node-%d", i), Port: 7000}
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	for i := 0; i < n; i++ {
		id := viewsync.ProcessID(i)
		tr, err := g.net.Listen(members[id].Endpoint())
		if err != nil {
			t.Fatalf("listen %d: %v", i, err)
		}
		box := &inbox{}
		rt, err := New(Config{
			Engine: viewsync.Config{
				ID:          id,
				Coordinator: 0,
				Members:     members,
				AckTimeout:  50 * time.Millisecond,
			},
			TickInterval:   5 * time.Millisecond,
			PollTimeout:    20 * time.Millisecond,
			BootstrapDelay: bootstrap,
		}, tr, box.add, log)
		if err != nil {
			t.Fatalf("new runtime %d: %v", i, err)
		}
		g.runtimes = append(g.runtimes, rt)
		g.inboxes = append(g.inboxes, box)
		go func() { g.errs <- rt.Run(ctx) }()
	}
	t.Cleanup(func() {
		cancel()
		for range g.runtimes {
			select {
			case err := <-g.errs:
				if err != nil {
					t.Errorf("runtime exited with error: %v", err)
				}
			case <-time.After(3 * time.Second):
				t.Errorf("runtime did not stop")
			}
		}
	})
	return g
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (g *group) allActive() bool {
	for _, rt := range g.runtimes {
		if rt.Status().State != viewsync.StateActive.String() {
			return false
		}
	}
	return true
}

func TestBootstrapActivatesGroupAndDelivers(t *testing.T) {
	g := startGroup(t, 3, 10*time.Millisecond)
	waitFor(t, "group active", g.allActive)

	ctx := context.Background()
	if err := g.runtimes[1].Multicast(ctx, "data", "first"); err != nil {
		t.Fatalf("multicast: %v", err)
	}
	if err := g.runtimes[1].Multicast(ctx, "data", "second"); err != nil {
		t.Fatalf("multicast: %v", err)
	}
	for _, i := range []int{0, 2} {
		box := g.inboxes[i]
		waitFor(t, fmt.Sprintf("delivery at %d", i), func() bool { return len(box.contents()) == 2 })
		got := box.contents()
		if got[0] != "first" || got[1] != "second" {
			t.Fatalf("node %d delivered out of order: %v", i, got)
		}
	}
	if len(g.inboxes[1].contents()) != 0 {
		t.Fatalf("sender must not deliver its own message")
	}
	waitFor(t, "sender entries stable", func() bool { return len(g.runtimes[1].Status().Unstable) == 0 })

	st := g.runtimes[0].Status()
	if st.Incarnation == "" || st.Epoch != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
	for i, rt := range g.runtimes {
		if run := rt.Status().CoordinatorRun; run != g.runtimes[0].Incarnation() {
			t.Fatalf("node %d follows coordinator run %q, want %q", i, run, g.runtimes[0].Incarnation())
		}
	}
}

func TestRetransmissionRecoversLoss(t *testing.T) {
	g := startGroup(t, 3, 10*time.Millisecond)
	waitFor(t, "group active", g.allActive)

	var dropped atomic.Bool
	g.net.SetDropRule(func(p transport.Packet) bool {
		if p.To.Address != "node-2" {
			return false
		}
		u, err := protocol.Decode(p.Payload)
		if err != nil || u.Kind != protocol.KindData {
			return false
		}
		return dropped.CompareAndSwap(false, true)
	})

	if err := g.runtimes[0].Multicast(context.Background(), "data", "lossy"); err != nil {
		t.Fatalf("multicast: %v", err)
	}
	waitFor(t, "retransmitted delivery", func() bool { return len(g.inboxes[2].contents()) == 1 })
	if !dropped.Load() {
		t.Fatalf("drop rule never fired")
	}
	waitFor(t, "entry stable", func() bool { return len(g.runtimes[0].Status().Unstable) == 0 })
}

func TestRequestsBeforeActivation(t *testing.T) {
	g := startGroup(t, 2, 0)
	ctx := context.Background()
	if err := g.runtimes[1].Multicast(ctx, "data", "early"); !errors.Is(err, viewsync.ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	if err := g.runtimes[1].ProposeView(ctx, viewsync.FullView(2)); !errors.Is(err, viewsync.ErrNotCoordinator) {
		t.Fatalf("expected ErrNotCoordinator, got %v", err)
	}
	if err := g.runtimes[0].ProposeView(ctx, viewsync.FullView(2)); err != nil {
		t.Fatalf("propose: %v", err)
	}
	waitFor(t, "group active", g.allActive)
}

func TestRunTwiceAndAfterStop(t *testing.T) {
	log := testlog.Start(t)
	net := transport.NewNetwork()
	m := viewsync.Member{ID: 0, Address: "solo", Port: 1}
	tr, err := net.Listen(m.Endpoint())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	rt, err := New(Config{
		Engine:      viewsync.Config{Members: map[viewsync.ProcessID]viewsync.Member{0: m}},
		PollTimeout: 10 * time.Millisecond,
	}, tr, nil, log)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- rt.Run(ctx) }()
	waitFor(t, "running", func() bool {
		rt.runMu.Lock()
		defer rt.runMu.Unlock()
		return rt.running
	})
	if err := rt.Run(ctx); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}
	cancel()
	if err := <-errs; err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := rt.Multicast(context.Background(), "data", "late"); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestListenerFailureEndsRun(t *testing.T) {
	log := testlog.Start(t)
	net := transport.NewNetwork()
	m := viewsync.Member{ID: 0, Address: "solo", Port: 1}
	tr, err := net.Listen(m.Endpoint())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	rt, err := New(Config{
		Engine:      viewsync.Config{Members: map[viewsync.ProcessID]viewsync.Member{0: m}},
		PollTimeout: 10 * time.Millisecond,
	}, tr, nil, log)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	errs := make(chan error, 1)
	go func() { errs <- rt.Run(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	tr.Close()

	select {
	case err := <-errs:
		if !errors.Is(err, transport.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not exit after transport failure")
	}
}
