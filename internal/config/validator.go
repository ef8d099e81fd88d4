package config

import (
	"fmt"
	"regexp"
	"strings"
)

// Validate checks the config for:
//   - Required fields
//   - Duplicate parser and snapshotter IDs
//   - Topic patterns that do not compile
//   - Sources missing their connection settings
//
// Snapshotter types and predicates are checked when the pipeline is built.
func Validate(cfg *Config) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string

	if cfg.Engine.Workers < 0 || cfg.Engine.QueueDepth < 0 || cfg.Engine.TimeoutMs < 0 {
		errs = append(errs, "engine: workers, queue_depth and timeout_ms must not be negative")
	}

	switch cfg.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if cfg.Store.DSN == "" {
			errs = append(errs, "store: dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q", cfg.Store.Driver))
	}

	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log: unknown format %q", cfg.Log.Format))
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, "tracing: sample_ratio must be within [0, 1]")
	}

	if k := cfg.Sources.Kafka; k != nil {
		if len(k.Brokers) == 0 || len(k.Topics) == 0 || k.GroupID == "" {
			errs = append(errs, "sources.kafka: brokers, group_id and topics are required")
		}
	}
	if n := cfg.Sources.NATS; n != nil {
		if n.URL == "" || n.Stream == "" || n.Durable == "" {
			errs = append(errs, "sources.nats: url, stream and durable are required")
		}
	}

	ids := make(map[string]string) // id → location
	for i, p := range cfg.Parsers {
		loc := fmt.Sprintf("parsers[%d]", i)
		if p.ID == "" {
			errs = append(errs, loc+": id is required")
			continue
		}
		if prev, ok := ids[p.ID]; ok {
			errs = append(errs, fmt.Sprintf("duplicate id %q (first seen at %s, again at %s)", p.ID, prev, loc))
		} else {
			ids[p.ID] = loc
		}
		if p.Type != "json" {
			errs = append(errs, fmt.Sprintf("parser %s: unknown type %q", p.ID, p.Type))
		}
		if p.Topic == "" {
			errs = append(errs, fmt.Sprintf("parser %s: topic is required", p.ID))
		} else if _, err := regexp.Compile(p.Topic); err != nil {
			errs = append(errs, fmt.Sprintf("parser %s: topic: %v", p.ID, err))
		}
	}

	for i, s := range cfg.Snapshotters {
		loc := fmt.Sprintf("snapshotters[%d]", i)
		if s.ID == "" {
			errs = append(errs, loc+": id is required")
			continue
		}
		if prev, ok := ids[s.ID]; ok {
			errs = append(errs, fmt.Sprintf("duplicate id %q (first seen at %s, again at %s)", s.ID, prev, loc))
		} else {
			ids[s.ID] = loc
		}
		if s.Type == "" {
			errs = append(errs, fmt.Sprintf("snapshotter %s: type is required", s.ID))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
