package config

import (
	"github.com/danmuck/viewsync/internal/node"
	"github.com/danmuck/viewsync/internal/viewsync"
)

func Members(entries []MemberConfig) map[viewsync.ProcessID]viewsync.Member {
	out := make(map[viewsync.ProcessID]viewsync.Member, len(entries))
	for _, entry := range entries {
		id := viewsync.ProcessID(entry.ID)
		out[id] = viewsync.Member{
			ID:      id,
			Address: entry.Address,
			Port:    entry.Port,
		}
	}
	return out
}

func (c GroupConfig) EngineConfig() viewsync.Config {
	return viewsync.Config{
		ID:          viewsync.ProcessID(c.ID),
		Coordinator: viewsync.ProcessID(c.Coordinator),
		Members:     Members(c.Members),
		AckTimeout:  c.AckTimeout,
		Backoff: viewsync.BackoffConfig{
			InitialDelay: c.AckTimeout,
			Multiplier:   c.BackoffMultiplier,
			MaxDelay:     c.BackoffMax,
		},
	}
}

func (c GroupConfig) NodeConfig() node.Config {
	return node.Config{
		Engine:         c.EngineConfig(),
		TickInterval:   c.TickInterval,
		PollTimeout:    c.PollTimeout,
		InboundBuffer:  c.InboundBuffer,
		BootstrapDelay: c.BootstrapDelay,
	}
}
