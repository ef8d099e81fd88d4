package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/gyaneshwarpardhi/eventsourcekit/internal/config"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/eventstore"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/parser"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/parser/jsonparser"
	"github.com/gyaneshwarpardhi/eventsourcekit/internal/snapshot"
)

// Build constructs a pipeline from a validated Config.
// Topic patterns and predicates are compiled here; nothing is parsed per message.
func Build(cfg *config.Config, st *eventstore.Store, snapshotters *snapshot.Registry, log *slog.Logger, opts ...Option) (*Pipeline, error) {
	parsers := parser.NewRegistry()
	for _, def := range cfg.Parsers {
		switch def.Type {
		case "json":
			p, err := jsonparser.New(def.ID, def.Topic, def.IDField)
			if err != nil {
				return nil, err
			}
			parsers.Register(p)
		default:
			return nil, fmt.Errorf("parser %s: unknown type %q", def.ID, def.Type)
		}
	}

	var snaps []snapshot.Snapshotter
	for _, def := range cfg.Snapshotters {
		if !def.IsEnabled() {
			continue
		}
		s, err := snapshotters.Build(snapshot.Spec{
			Name:  def.ID,
			Type:  def.Type,
			Field: def.Field,
			When:  def.When,
		})
		if err != nil {
			return nil, fmt.Errorf("snapshotter %s: %w", def.ID, err)
		}
		snaps = append(snaps, s)
	}

	engine, err := snapshot.NewEngine(log, snaps...)
	if err != nil {
		return nil, err
	}
	return New(parsers, engine, st, append([]Option{WithLogger(log)}, opts...)...), nil
}
