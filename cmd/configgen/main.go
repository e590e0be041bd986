package main

import (
	"flag"
	"log"

	"github.com/danmuck/viewsync/internal/config"
)

func main() {
	kind := flag.String("kind", "group", "config kind: group|generated")
	output := flag.String("output", "", "output path for config file")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "cmd/viewsyncd/config.toml", "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	members := flag.Int("members", 3, "group size for -kind generated")
	id := flag.Int("id", 0, "own member id for -kind generated")
	basePort := flag.Int("base-port", 7000, "first member port for -kind generated")
	flag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated group config at %s (%d members, id %d, coordinator %d)",
			*input, len(cfg.Members), cfg.ID, cfg.Coordinator)
		return
	}

	target := *output
	if target == "" {
		target = "cmd/viewsyncd/config.toml"
	}

	switch *kind {
	case "group":
		if err := config.WriteTemplate(target, *kind, *force); err != nil {
			log.Fatal(err)
		}
	case "generated":
		if err := config.WriteGenerated(target, *members, *id, *basePort, *force); err != nil {
			log.Fatal(err)
		}
	default:
		log.Fatalf("unknown kind: %s", *kind)
	}
	log.Printf("Wrote %s config to %s", *kind, target)
}
