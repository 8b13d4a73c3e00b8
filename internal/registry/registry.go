package registry

import (
	"context"
	"fmt"

	"homeboard/internal/config"
	"homeboard/internal/model"
)

// Registry supplies the list of calendar sources to aggregate, in
// registration order. The order is part of the contract: it breaks
// ties between events starting at the same instant.
type Registry interface {
	List(ctx context.Context) ([]model.Source, error)
}

// Static serves a fixed source list taken from the config file.
type Static struct {
	sources []model.Source
}

// FromConfig builds a Static registry from config-file sources,
// deriving ids where missing and rejecting sources that fail the
// one-address rule.
func FromConfig(sources []config.SourceConfig) (*Static, error) {
	out := make([]model.Source, 0, len(sources))
	for i, sc := range sources {
		src := model.Source{
			ID:       sc.ID,
			Name:     sc.Name,
			Color:    sc.Color,
			FeedURL:  sc.URL,
			GoogleID: sc.GoogleID,
		}
		if src.ID == "" {
			src.ID = sc.Name
			if src.ID == "" {
				src.ID = sc.URL
			}
			if src.ID == "" {
				src.ID = sc.GoogleID
			}
		}
		if err := src.Validate(); err != nil {
			return nil, fmt.Errorf("sources[%d]: %w", i, err)
		}
		out = append(out, src)
	}
	return &Static{sources: out}, nil
}

// List returns the sources in config order.
func (s *Static) List(ctx context.Context) ([]model.Source, error) {
	out := make([]model.Source, len(s.sources))
	copy(out, s.sources)
	return out, nil
}
