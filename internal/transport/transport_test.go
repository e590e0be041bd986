package transport

import (
	"errors"
	"testing"
	"time"
)

func TestMemoryDeliversAndTimesOut(t *testing.T) {
	n := NewNetwork()
	a, err := n.Listen(Endpoint{Address: "p0", Port: 1})
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	b, err := n.Listen(Endpoint{Address: "p1", Port: 1})
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	defer a.Close()
	defer b.Close()

	if err := a.Send(Endpoint{Address: "p1", Port: 1}, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	d, err := b.Receive(time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(d.Payload) != "hello" || d.From != "p0:1" {
		t.Fatalf("unexpected datagram: %+v", d)
	}
	if _, err := b.Receive(10 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestMemoryDropRuleLosesPackets(t *testing.T) {
	n := NewNetwork()
	a, _ := n.Listen(Endpoint{Address: "p0", Port: 1})
	b, _ := n.Listen(Endpoint{Address: "p1", Port: 1})
	defer a.Close()
	defer b.Close()

	n.SetDropRule(func(p Packet) bool { return p.To.Address == "p1" })
	if err := a.Send(Endpoint{Address: "p1", Port: 1}, []byte("lost")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := b.Receive(10 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected dropped packet, got %v", err)
	}
	if n.Dropped() != 1 {
		t.Fatalf("expected one dropped packet, got %d", n.Dropped())
	}
}

func TestMemoryCloseUnblocksReceive(t *testing.T) {
	n := NewNetwork()
	a, _ := n.Listen(Endpoint{Address: "p0", Port: 1})
	go func() {
		time.Sleep(10 * time.Millisecond)
		a.Close()
	}()
	if _, err := a.Receive(5 * time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := a.Send(Endpoint{Address: "p0", Port: 1}, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on send, got %v", err)
	}
	if _, err := n.Listen(Endpoint{Address: "p0", Port: 1}); err != nil {
		t.Fatalf("endpoint should be reusable after close: %v", err)
	}
}

func TestMemoryUnknownTarget(t *testing.T) {
	n := NewNetwork()
	a, _ := n.Listen(Endpoint{Address: "p0", Port: 1})
	defer a.Close()
	if err := a.Send(Endpoint{Address: "nobody", Port: 1}, []byte("x")); !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget, got %v", err)
	}
}

func TestUDPLoopback(t *testing.T) {
	a, err := ListenUDP(UDPConfig{Bind: "127.0.0.1:0"})
	if err != nil {
		t.Skipf("udp unavailable: %v", err)
	}
	defer a.Close()
	b, err := ListenUDP(UDPConfig{Bind: "127.0.0.1:0"})
	if err != nil {
		t.Skipf("udp unavailable: %v", err)
	}
	defer b.Close()

	to := Endpoint{Address: "127.0.0.1", Port: b.LocalAddr().Port}
	if err := a.Send(to, []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	d, err := b.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(d.Payload) != "ping" {
		t.Fatalf("unexpected payload %q", d.Payload)
	}
	if _, err := b.Receive(20 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if err := a.Send(Endpoint{Address: "127.0.0.1", Port: 0}, []byte("x")); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget, got %v", err)
	}
}
