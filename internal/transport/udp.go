package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
)

const maxDatagram = 65535

// UDPConfig configures a bound UDP endpoint.
type UDPConfig struct {
	Bind string
	// TOS, when non-zero, is set on outbound IPv4 datagrams.
	TOS int
}

// UDP is a Transport over one bound UDP socket.
type UDP struct {
	conn *net.UDPConn

	mu    sync.Mutex
	addrs map[Endpoint]*net.UDPAddr
	buf   []byte
}

// ListenUDP binds a socket with SO_REUSEADDR so a restarted member can
// rebind its configured port immediately.
func ListenUDP(cfg UDPConfig) (*UDP, error) {
	lc := net.ListenConfig{Control: controlReuseAddr}
	pc, err := lc.ListenPacket(context.Background(), "udp4", cfg.Bind)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", cfg.Bind, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("transport: unexpected conn type %T", pc)
	}
	if cfg.TOS != 0 {
		if err := ipv4.NewPacketConn(conn).SetTOS(cfg.TOS); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: set tos %d: %w", cfg.TOS, err)
		}
	}
	return &UDP{
		conn:  conn,
		addrs: make(map[Endpoint]*net.UDPAddr),
		buf:   make([]byte, maxDatagram),
	}, nil
}

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

func (u *UDP) Send(to Endpoint, payload []byte) error {
	addr, err := u.resolve(to)
	if err != nil {
		return err
	}
	if _, err := u.conn.WriteToUDP(payload, addr); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("transport: send %s: %w", to, err)
	}
	return nil
}

// Receive must be called from a single goroutine; it reuses one read buffer.
func (u *UDP) Receive(timeout time.Duration) (Datagram, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return Datagram{}, ErrClosed
		}
		return Datagram{}, err
	}
	n, from, err := u.conn.ReadFromUDP(u.buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return Datagram{}, ErrTimeout
		}
		if errors.Is(err, net.ErrClosed) {
			return Datagram{}, ErrClosed
		}
		return Datagram{}, fmt.Errorf("transport: receive: %w", err)
	}
	payload := make([]byte, n)
	copy(payload, u.buf[:n])
	return Datagram{From: from.String(), Payload: payload, ReceivedAt: time.Now()}, nil
}

func (u *UDP) Close() error {
	return u.conn.Close()
}

func (u *UDP) resolve(to Endpoint) (*net.UDPAddr, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if addr, ok := u.addrs[to]; ok {
		return addr, nil
	}
	if to.Port <= 0 || to.Port > 65535 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTarget, to)
	}
	addr, err := net.ResolveUDPAddr("udp4", to.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTarget, to, err)
	}
	u.addrs[to] = addr
	return addr, nil
}
