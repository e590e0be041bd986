package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

var ErrInvalid = errors.New("config: invalid")

const (
	DefaultAckTimeout     = 5 * time.Second
	DefaultTickInterval   = 100 * time.Millisecond
	DefaultPollTimeout    = time.Second
	DefaultBootstrapDelay = 5 * time.Second
	DefaultBackoffMax     = 30 * time.Second
	DefaultInboundBuffer  = 256
	DefaultAdminAddr      = ":9300"
)

// GroupConfig is one member's view of the static group.
type GroupConfig struct {
	ID                int
	Coordinator       int
	AckTimeout        time.Duration
	TickInterval      time.Duration
	PollTimeout       time.Duration
	BootstrapDelay    time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
	InboundBuffer     int
	ListenAddr        string
	TOS               int
	AdminAddr         string
	CorsOrigins       []string
	Members           []MemberConfig
}

type MemberConfig struct {
	ID      int    `toml:"id"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

type fileConfig struct {
	ID                int            `toml:"id"`
	Coordinator       int            `toml:"coordinator"`
	AckTimeout        string         `toml:"ack_timeout"`
	TickInterval      string         `toml:"tick_interval"`
	PollTimeout       string         `toml:"poll_timeout"`
	BootstrapDelay    string         `toml:"bootstrap_delay"`
	BackoffMultiplier float64        `toml:"backoff_multiplier"`
	BackoffMax        string         `toml:"backoff_max"`
	InboundBuffer     int            `toml:"inbound_buffer"`
	ListenAddr        string         `toml:"listen_addr"`
	TOS               int            `toml:"tos"`
	AdminAddr         string         `toml:"admin_addr"`
	CorsOrigins       []string       `toml:"cors_origins"`
	Members           []MemberConfig `toml:"members"`
}

func Default() GroupConfig {
	return GroupConfig{
		AckTimeout:        DefaultAckTimeout,
		TickInterval:      DefaultTickInterval,
		PollTimeout:       DefaultPollTimeout,
		BootstrapDelay:    DefaultBootstrapDelay,
		BackoffMultiplier: 1.0,
		BackoffMax:        DefaultBackoffMax,
		InboundBuffer:     DefaultInboundBuffer,
		AdminAddr:         DefaultAdminAddr,
	}
}

// Load reads a group file, applies defaults for keys it leaves out, and
// validates the result.
func Load(path string) (GroupConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return GroupConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := fromFile(raw, meta)
	if err != nil {
		return GroupConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return GroupConfig{}, err
	}
	return cfg, nil
}

// Parse decodes group config from TOML text.
func Parse(data string) (GroupConfig, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return GroupConfig{}, fmt.Errorf("config parse failed: %w", err)
	}
	cfg, err := fromFile(raw, meta)
	if err != nil {
		return GroupConfig{}, err
	}
	if err := Validate(cfg); err != nil {
		return GroupConfig{}, err
	}
	return cfg, nil
}

func fromFile(raw fileConfig, meta toml.MetaData) (GroupConfig, error) {
	cfg := Default()
	cfg.ID = raw.ID
	cfg.Coordinator = raw.Coordinator
	cfg.Members = raw.Members

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"ack_timeout", raw.AckTimeout, &cfg.AckTimeout},
		{"tick_interval", raw.TickInterval, &cfg.TickInterval},
		{"poll_timeout", raw.PollTimeout, &cfg.PollTimeout},
		{"bootstrap_delay", raw.BootstrapDelay, &cfg.BootstrapDelay},
		{"backoff_max", raw.BackoffMax, &cfg.BackoffMax},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return GroupConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if meta.IsDefined("backoff_multiplier") {
		cfg.BackoffMultiplier = raw.BackoffMultiplier
	}
	if meta.IsDefined("inbound_buffer") {
		cfg.InboundBuffer = raw.InboundBuffer
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("tos") {
		cfg.TOS = raw.TOS
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	return cfg, nil
}

// Validate checks the group shape. Member ids must be dense from zero since
// clocks and views are indexed by id.
func Validate(cfg GroupConfig) error {
	if len(cfg.Members) == 0 {
		return fmt.Errorf("%w: at least one member is required", ErrInvalid)
	}
	seen := make(map[int]bool, len(cfg.Members))
	for i, m := range cfg.Members {
		if m.ID < 0 || m.ID >= len(cfg.Members) {
			return fmt.Errorf("%w: members[%d] id %d outside 0..%d", ErrInvalid, i, m.ID, len(cfg.Members)-1)
		}
		if seen[m.ID] {
			return fmt.Errorf("%w: members[%d] duplicate id %d", ErrInvalid, i, m.ID)
		}
		seen[m.ID] = true
		if strings.TrimSpace(m.Address) == "" {
			return fmt.Errorf("%w: members[%d] address is required", ErrInvalid, i)
		}
		if m.Port <= 0 || m.Port > 65535 {
			return fmt.Errorf("%w: members[%d] port %d out of range", ErrInvalid, i, m.Port)
		}
	}
	if !seen[cfg.ID] {
		return fmt.Errorf("%w: id %d is not a member", ErrInvalid, cfg.ID)
	}
	if !seen[cfg.Coordinator] {
		return fmt.Errorf("%w: coordinator %d is not a member", ErrInvalid, cfg.Coordinator)
	}
	for name, d := range map[string]time.Duration{
		"ack_timeout":   cfg.AckTimeout,
		"tick_interval": cfg.TickInterval,
		"poll_timeout":  cfg.PollTimeout,
		"backoff_max":   cfg.BackoffMax,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, name)
		}
	}
	if cfg.BootstrapDelay < 0 {
		return fmt.Errorf("%w: bootstrap_delay must not be negative", ErrInvalid)
	}
	if cfg.BackoffMultiplier < 1.0 {
		return fmt.Errorf("%w: backoff_multiplier must be at least 1", ErrInvalid)
	}
	if cfg.InboundBuffer <= 0 {
		return fmt.Errorf("%w: inbound_buffer must be positive", ErrInvalid)
	}
	if cfg.TOS < 0 || cfg.TOS > 255 {
		return fmt.Errorf("%w: tos %d out of range", ErrInvalid, cfg.TOS)
	}
	return nil
}

// Self returns this member's entry.
func (c GroupConfig) Self() MemberConfig {
	for _, m := range c.Members {
		if m.ID == c.ID {
			return m
		}
	}
	return MemberConfig{}
}

// BindAddr is the UDP address to listen on: listen_addr when set, else the
// member's own configured endpoint.
func (c GroupConfig) BindAddr() string {
	if c.ListenAddr != "" {
		return c.ListenAddr
	}
	self := c.Self()
	return fmt.Sprintf("%s:%d", self.Address, self.Port)
}
