// Package node runs one group member: it owns the protocol engine on a
// single goroutine and feeds it listener units, application requests and
// maintenance ticks.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/danmuck/viewsync/internal/listener"
	"github.com/danmuck/viewsync/internal/transport"
	"github.com/danmuck/viewsync/internal/viewsync"
)

var (
	ErrStopped = errors.New("node: stopped")
	ErrRunning = errors.New("node: already running")
)

const (
	DefaultTickInterval   = 100 * time.Millisecond
	DefaultBootstrapDelay = 5 * time.Second
)

type Config struct {
	Engine        viewsync.Config
	TickInterval  time.Duration
	PollTimeout   time.Duration
	InboundBuffer int
	// BootstrapDelay is how long the coordinator waits before proposing the
	// full view. Zero disables the bootstrap proposal.
	BootstrapDelay time.Duration
	JoinTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = listener.DefaultPollTimeout
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = listener.DefaultBuffer
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = c.PollTimeout + time.Second
	}
	return c
}

// Status is the published view of the engine plus runtime identity.
type Status struct {
	viewsync.Status
	Incarnation string    `json:"incarnation"`
	StartedAt   time.Time `json:"started_at"`
}

type requestKind int

const (
	requestMulticast requestKind = iota
	requestPropose
)

type request struct {
	kind    requestKind
	header  string
	content string
	view    viewsync.View
	reply   chan error
}

type Runtime struct {
	cfg         Config
	tr          transport.Transport
	engine      *viewsync.Engine
	listener    *listener.Listener
	logger      zerolog.Logger
	incarnation uuid.UUID
	startedAt   time.Time

	requests chan request
	done     chan struct{}

	runMu   sync.Mutex
	running bool

	mu     sync.RWMutex
	status Status
}

// New builds a runtime. onDeliver is called on the runtime goroutine for
// every causally delivered message and must not block.
func New(cfg Config, tr transport.Transport, onDeliver viewsync.DeliverFunc, logger zerolog.Logger) (*Runtime, error) {
	cfg = cfg.withDefaults()
	incarnation := uuid.New()
	cfg.Engine.Incarnation = incarnation.String()
	logger = logger.With().
		Uint16("node", uint16(cfg.Engine.ID)).
		Str("incarnation", incarnation.String()).
		Logger()

	engine, err := viewsync.New(cfg.Engine, tr, onDeliver, logger)
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	r := &Runtime{
		cfg:         cfg,
		tr:          tr,
		engine:      engine,
		logger:      logger.With().Str("component", "node").Logger(),
		incarnation: incarnation,
		startedAt:   time.Now(),
		requests:    make(chan request),
		done:        make(chan struct{}),
	}
	r.listener = listener.New(listener.Config{
		Node:        fmt.Sprintf("%d", cfg.Engine.ID),
		PollTimeout: cfg.PollTimeout,
		Buffer:      cfg.InboundBuffer,
	}, tr, logger)
	r.publish()
	return r, nil
}

func (r *Runtime) ID() viewsync.ProcessID { return r.cfg.Engine.ID }

func (r *Runtime) IsCoordinator() bool { return r.cfg.Engine.ID == r.cfg.Engine.Coordinator }

func (r *Runtime) Incarnation() string { return r.incarnation.String() }

// Status returns the snapshot published after the last loop iteration.
func (r *Runtime) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Run owns the engine until ctx is cancelled or the listener fails. It can
// only be called once.
func (r *Runtime) Run(ctx context.Context) error {
	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return ErrRunning
	}
	r.running = true
	r.runMu.Unlock()
	defer close(r.done)

	if err := r.listener.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := r.listener.Stop(r.cfg.JoinTimeout); err != nil {
			r.logger.Warn().Err(err).Msg("listener join")
		}
	}()

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	var bootstrap <-chan time.Time
	if r.IsCoordinator() && r.cfg.BootstrapDelay > 0 {
		timer := time.NewTimer(r.cfg.BootstrapDelay)
		defer timer.Stop()
		bootstrap = timer.C
	}

	r.logger.Info().
		Dur("tick", r.cfg.TickInterval).
		Dur("bootstrap_delay", r.cfg.BootstrapDelay).
		Bool("coordinator", r.IsCoordinator()).
		Msg("node running")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("node stopping")
			return nil
		case err := <-r.listener.Errors():
			return fmt.Errorf("node: listener: %w", err)
		case in := <-r.listener.Inbound():
			r.engine.HandleUnit(in.Unit)
		case req := <-r.requests:
			req.reply <- r.apply(req)
		case now := <-ticker.C:
			r.engine.Tick(now)
		case <-bootstrap:
			bootstrap = nil
			full := viewsync.FullView(len(r.cfg.Engine.Members))
			if err := r.engine.ProposeView(full); err != nil {
				r.logger.Error().Err(err).Msg("bootstrap view")
			}
		}
		r.publish()
	}
}

// Multicast asks the runtime goroutine to send an application message.
func (r *Runtime) Multicast(ctx context.Context, header, content string) error {
	return r.do(ctx, request{kind: requestMulticast, header: header, content: content})
}

// ProposeView asks the runtime goroutine to start a view change.
func (r *Runtime) ProposeView(ctx context.Context, view viewsync.View) error {
	return r.do(ctx, request{kind: requestPropose, view: view.Clone()})
}

func (r *Runtime) do(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)
	select {
	case r.requests <- req:
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) apply(req request) error {
	switch req.kind {
	case requestMulticast:
		return r.engine.Multicast(req.header, req.content)
	case requestPropose:
		return r.engine.ProposeView(req.view)
	default:
		return fmt.Errorf("node: unknown request %d", req.kind)
	}
}

func (r *Runtime) publish() {
	s := Status{
		Status:      r.engine.Snapshot(),
		Incarnation: r.incarnation.String(),
		StartedAt:   r.startedAt,
	}
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}
