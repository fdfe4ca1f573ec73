package producer

import (
	"context"
	"log"
	"strings"
)

// Generator is the AI side of the producer. Implementations may return an
// empty string to signal "nothing usable"; errors and empty results both
// route to the deterministic fallback.
type Generator interface {
	GenerateDocUpdate(ctx context.Context, current string, change ChangeContext) (string, error)
	GenerateDocRewrite(ctx context.Context, current string, spec RemovalSpec) (string, error)
}

// Service is the facade that tries the AI generator first and falls back to
// the heuristic. ai may be nil when no model is configured.
type Service struct {
	ai Generator
}

func NewService(ai Generator) *Service {
	return &Service{ai: ai}
}

// ProduceDocUpdate returns the full new document content for a change.
func (s *Service) ProduceDocUpdate(ctx context.Context, current string, change ChangeContext) (string, error) {
	if s.ai != nil {
		updated, err := s.ai.GenerateDocUpdate(ctx, current, change)
		if err == nil && strings.TrimSpace(updated) != "" {
			return updated, nil
		}
		if err != nil {
			log.Printf("producer: ai update failed, falling back to heuristic: %v", err)
		}
	}
	return AppendChangeSection(current, change), nil
}

// ProduceRewrite returns the document with the concept removed.
func (s *Service) ProduceRewrite(ctx context.Context, current string, spec RemovalSpec) (string, error) {
	if s.ai != nil {
		rewritten, err := s.ai.GenerateDocRewrite(ctx, current, spec)
		if err == nil && strings.TrimSpace(rewritten) != "" {
			return rewritten, nil
		}
		if err != nil {
			log.Printf("producer: ai rewrite failed, falling back to heuristic: %v", err)
		}
	}
	return RemoveConcept(current, spec), nil
}
