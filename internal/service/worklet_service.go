package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/workletforge/studio/internal/model"
	"github.com/workletforge/studio/internal/normalize"
)

// WorkletService iterates, selects and enhances stored worklets
type WorkletService struct {
	threads   *ThreadService
	generator *Generator
	log       *zap.Logger
}

func NewWorkletService(threads *ThreadService, generator *Generator, log *zap.Logger) *WorkletService {
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkletService{threads: threads, generator: generator, log: log.Named("worklets")}
}

// locate returns the iteration iterationID of workletID
func (s *WorkletService) locate(ctx context.Context, workletID, iterationID string) (model.WorkletIteration, error) {
	bundle, err := s.threads.Bundle(ctx, workletID)
	if err != nil {
		return model.WorkletIteration{}, err
	}
	if len(bundle.Iterations) == 0 {
		return model.WorkletIteration{}, ErrNoIterations
	}
	idx := bundle.IndexOf(iterationID)
	if idx < 0 {
		return model.WorkletIteration{}, ErrIterationNotFound
	}
	return bundle.Iterations[idx], nil
}

// updateIteration applies fn to one iteration of a stored bundle
func (s *WorkletService) updateIteration(ctx context.Context, workletID, iterationID string, fn func(model.WorkletIteration) (model.WorkletIteration, error)) (model.WorkletIteration, error) {
	var out model.WorkletIteration
	_, err := s.threads.UpdateBundle(ctx, workletID, func(b *model.WorkletBundle) error {
		idx := b.IndexOf(iterationID)
		if idx < 0 {
			return ErrIterationNotFound
		}
		next, err := fn(b.Iterations[idx])
		if err != nil {
			return err
		}
		b.Iterations[idx] = next
		out = next
		return nil
	})
	return out, err
}

func withCandidate(it model.WorkletIteration, field model.FieldKey, candidate any) model.WorkletIteration {
	switch v := candidate.(type) {
	case string:
		attr, _ := it.StringField(field)
		return it.WithStringField(field, attr.WithCandidate(v))
	case []string:
		attr, _ := it.ListField(field)
		return it.WithListField(field, attr.WithCandidate(v))
	case map[string]any:
		return it.WithStructuredField(field, it.Milestones.WithCandidate(v))
	}
	return it
}

// IterateField writes a new candidate of one field, seeded from the
// candidate at req.Index, appends it and selects it
func (s *WorkletService) IterateField(ctx context.Context, req *model.IterateFieldRequest) (*model.IterateFieldResponse, error) {
	if _, ok := req.Field.Kind(); !ok {
		return nil, ErrUnknownField
	}
	it, err := s.locate(ctx, req.WorkletID, req.WorkletIterationID)
	if err != nil {
		return nil, err
	}
	if req.Index > 0 && req.Index >= it.FieldLen(req.Field) {
		return nil, ErrInvalidIndex
	}

	candidate, err := s.generator.FieldCandidate(ctx, it, req.Field, req.Index, strings.TrimSpace(req.Prompt))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAIUnavailable, err)
	}

	updated, err := s.updateIteration(ctx, req.WorkletID, req.WorkletIterationID, func(current model.WorkletIteration) (model.WorkletIteration, error) {
		return withCandidate(current, req.Field, candidate), nil
	})
	if err != nil {
		return nil, err
	}

	iterations, err := json.Marshal(updated.FieldCandidates(req.Field))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal iterations: %w", err)
	}

	s.log.Info("field iterated",
		zap.String("worklet_id", req.WorkletID),
		zap.String("field", string(req.Field)),
		zap.Int("candidates", updated.FieldLen(req.Field)),
	)
	return &model.IterateFieldResponse{
		WorkletID:          req.WorkletID,
		WorkletIterationID: req.WorkletIterationID,
		Field:              req.Field,
		SelectedIndex:      updated.FieldSelectedIndex(req.Field),
		Iterations:         iterations,
	}, nil
}

// SelectField points a field at one of its existing candidates
func (s *WorkletService) SelectField(ctx context.Context, req *model.SelectFieldRequest) (*model.SelectFieldResponse, error) {
	if _, ok := req.Field.Kind(); !ok {
		return nil, ErrUnknownField
	}
	updated, err := s.updateIteration(ctx, req.WorkletID, req.WorkletIterationID, func(current model.WorkletIteration) (model.WorkletIteration, error) {
		if req.SelectedIndex < 0 || req.SelectedIndex >= current.FieldLen(req.Field) {
			return current, ErrInvalidIndex
		}
		return current.WithFieldSelected(req.Field, req.SelectedIndex), nil
	})
	if err != nil {
		return nil, err
	}
	return &model.SelectFieldResponse{
		Success:            true,
		WorkletID:          req.WorkletID,
		WorkletIterationID: req.WorkletIterationID,
		Field:              req.Field,
		SelectedIndex:      updated.FieldSelectedIndex(req.Field),
	}, nil
}

// EnhanceWorklet rewrites a whole iteration, appends the result as a new
// iteration and makes it the default
func (s *WorkletService) EnhanceWorklet(ctx context.Context, req *model.EnhanceWorkletRequest) (*model.EnhanceWorkletResponse, error) {
	seed, err := s.locate(ctx, req.WorkletID, req.WorkletIterationID)
	if err != nil {
		return nil, err
	}

	it, err := s.generator.Enhance(ctx, seed, strings.TrimSpace(req.Prompt))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAIUnavailable, err)
	}
	it.WorkletID = req.WorkletID
	it.IterationID = uuid.New().String()
	it.CreatedAt = time.Now().UTC().Format(normalize.TimestampLayout)

	bundle, err := s.threads.UpdateBundle(ctx, req.WorkletID, func(b *model.WorkletBundle) error {
		*b = b.WithIteration(it)
		b.SelectedIterationIndex = len(b.Iterations) - 1
		return nil
	})
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(it)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal iteration: %w", err)
	}
	s.log.Info("worklet enhanced", zap.String("worklet_id", req.WorkletID), zap.Int("iterations", len(bundle.Iterations)))
	return &model.EnhanceWorkletResponse{
		WorkletID:              req.WorkletID,
		SelectedIterationIndex: bundle.SelectedIterationIndex,
		Iteration:              data,
	}, nil
}

// SelectIteration makes an existing iteration the default of its worklet
func (s *WorkletService) SelectIteration(ctx context.Context, req *model.SelectIterationRequest) (*model.SelectIterationResponse, error) {
	bundle, err := s.threads.UpdateBundle(ctx, req.WorkletID, func(b *model.WorkletBundle) error {
		if len(b.Iterations) == 0 {
			return ErrNoIterations
		}
		idx := b.IndexOf(req.WorkletIterationID)
		if idx < 0 {
			return ErrIterationNotFound
		}
		b.SelectedIterationIndex = idx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &model.SelectIterationResponse{
		Success:                true,
		WorkletID:              req.WorkletID,
		SelectedIterationIndex: bundle.SelectedIterationIndex,
	}, nil
}
