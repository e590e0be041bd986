package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "group":
		return groupTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	return writeFile(path, []byte(template), overwrite)
}

// Generate renders a localhost group of n members on consecutive ports for
// member id.
func Generate(n, id, basePort int) (string, error) {
	members := make([]MemberConfig, n)
	for i := range members {
		members[i] = MemberConfig{ID: i, Address: "127.0.0.1", Port: basePort + i}
	}
	raw := fileConfig{
		ID:                id,
		Coordinator:       0,
		AckTimeout:        DefaultAckTimeout.String(),
		TickInterval:      DefaultTickInterval.String(),
		PollTimeout:       DefaultPollTimeout.String(),
		BootstrapDelay:    DefaultBootstrapDelay.String(),
		BackoffMultiplier: 1.0,
		BackoffMax:        DefaultBackoffMax.String(),
		InboundBuffer:     DefaultInboundBuffer,
		AdminAddr:         fmt.Sprintf(":%d", 9300+id),
		CorsOrigins:       []string{"http://localhost:3000"},
		Members:           members,
	}
	cfg := Default()
	cfg.ID, cfg.Coordinator, cfg.Members = id, 0, members
	if err := Validate(cfg); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(raw); err != nil {
		return "", fmt.Errorf("config encode: %w", err)
	}
	return buf.String(), nil
}

func WriteGenerated(path string, n, id, basePort int, overwrite bool) error {
	text, err := Generate(n, id, basePort)
	if err != nil {
		return err
	}
	return writeFile(path, []byte(text), overwrite)
}

func writeFile(path string, data []byte, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, data, 0o600)
}

const groupTemplate = `id = 0
coordinator = 0
ack_timeout = "5s"
tick_interval = "100ms"
poll_timeout = "1s"
bootstrap_delay = "5s"
backoff_multiplier = 1.0
backoff_max = "30s"
inbound_buffer = 256
admin_addr = ":9300"
cors_origins = ["http://localhost:3000"]

[[members]]
id = 0
address = "127.0.0.1"
port = 7000

[[members]]
id = 1
address = "127.0.0.1"
port = 7001

[[members]]
id = 2
address = "127.0.0.1"
port = 7002
`
