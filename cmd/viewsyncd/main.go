package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/viewsync/internal/config"
	"github.com/danmuck/viewsync/internal/logging"
	"github.com/danmuck/viewsync/internal/node"
	"github.com/danmuck/viewsync/internal/server"
	"github.com/danmuck/viewsync/internal/transport"
	"github.com/danmuck/viewsync/internal/viewsync"
)

func main() {
	configPath := flag.String("config", "cmd/viewsyncd/config.toml", "group config path")
	stdin := flag.Bool("stdin", true, "multicast each stdin line as a data message")
	flag.Parse()

	logging.ConfigureRuntime()
	if err := run(*configPath, *stdin); err != nil {
		fmt.Fprintf(os.Stderr, "viewsyncd: %v\n", err)
		os.Exit(1)
	}
}

func run(path string, readStdin bool) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger := logging.New("viewsyncd")
	logger.Info().Str("path", path).Int("members", len(cfg.Members)).Int("id", cfg.ID).Msg("loaded group config")

	tr, err := transport.ListenUDP(transport.UDPConfig{Bind: cfg.BindAddr(), TOS: cfg.TOS})
	if err != nil {
		return err
	}
	defer tr.Close()

	rt, err := node.New(cfg.NodeConfig(), tr, logDelivery(logger), log.Logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var serveAdmin func(context.Context) error
	if cfg.AdminAddr != "" {
		serveAdmin = server.New(server.Config{Addr: cfg.AdminAddr, CorsOrigins: cfg.CorsOrigins}, rt, log.Logger).Serve
	}
	if readStdin {
		go multicastLines(ctx, rt, logger)
	}

	logger.Info().Str("bind", cfg.BindAddr()).Str("incarnation", rt.Incarnation()).Msg("viewsyncd started")
	return runWithAdmin(ctx, rt.Run, serveAdmin, logger)
}

// runWithAdmin runs the node and, when serveAdmin is set, the admin server
// beside it. Whichever stops first stops the other, and it returns only
// after both have exited.
func runWithAdmin(ctx context.Context, runNode, serveAdmin func(context.Context) error, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	adminDone := make(chan error, 1)
	if serveAdmin == nil {
		close(adminDone)
	} else {
		go func() {
			err := serveAdmin(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("admin server stopped")
				cancel()
			}
			adminDone <- err
		}()
	}

	err := runNode(ctx)
	cancel()
	if adminErr := <-adminDone; adminErr != nil {
		return errors.Join(err, fmt.Errorf("admin server: %w", adminErr))
	}
	return err
}

func logDelivery(logger zerolog.Logger) viewsync.DeliverFunc {
	return func(m viewsync.Message) {
		logger.Info().
			Uint16("sender", uint16(m.Sender)).
			Str("clock", m.Clock.String()).
			Str("header", m.Header).
			Str("content", m.Content).
			Msg("delivered")
	}
}

func multicastLines(ctx context.Context, rt *node.Runtime, logger zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rt.Multicast(reqCtx, "data", line)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, viewsync.ErrNotActive):
			logger.Warn().Str("content", line).Msg("group not active, dropping line")
		case errors.Is(err, node.ErrStopped), ctx.Err() != nil:
			return
		default:
			logger.Error().Err(err).Msg("multicast failed")
		}
	}
}
