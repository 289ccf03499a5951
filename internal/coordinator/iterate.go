package coordinator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/workletforge/studio/internal/model"
	"github.com/workletforge/studio/internal/normalize"
)

// FieldScope is the busy key of one field of one iteration
func FieldScope(threadID, workletID, iterationID string, field model.FieldKey) string {
	return strings.Join([]string{threadID, workletID, iterationID, string(field)}, "/")
}

// BundleScope is the busy key of a whole worklet
func BundleScope(threadID, workletID string) string {
	return threadID + "/" + workletID
}

// acquire marks key busy. A field scope conflicts with its own key and with
// its bundle; a bundle scope conflicts with every field inside it.
func (c *Coordinator) acquire(key, bundle string, state model.ScopeState) error {
	var err error
	callErr := c.call(func() {
		if _, busy := c.scopes[key]; busy {
			err = ErrScopeBusy
			return
		}
		if key == bundle {
			for k := range c.scopes {
				if strings.HasPrefix(k, bundle+"/") {
					err = ErrScopeBusy
					return
				}
			}
		} else if _, busy := c.scopes[bundle]; busy {
			err = ErrScopeBusy
			return
		}
		c.scopes[key] = state
	})
	if callErr != nil {
		return callErr
	}
	return err
}

func (c *Coordinator) release(key string) {
	_ = c.call(func() { delete(c.scopes, key) })
}

// updateBundle applies fn to the stored and, when viewed, the live bundle
func (c *Coordinator) updateBundle(threadID, workletID string, fn func(model.WorkletBundle) model.WorkletBundle) {
	if _, ok := c.store.UpdateBundle(threadID, workletID, fn); !ok {
		c.log.Debug("bundle not in store", zap.String("thread_id", threadID), zap.String("worklet_id", workletID))
	}
	if c.selected != threadID {
		return
	}
	worklets := append([]model.WorkletBundle(nil), c.worklets...)
	for i := range worklets {
		if worklets[i].WorkletID == workletID {
			worklets[i] = fn(worklets[i])
			break
		}
	}
	c.worklets = worklets
}

// updateIteration applies fn to one iteration of a bundle
func (c *Coordinator) updateIteration(threadID, workletID, iterationID string, fn func(model.WorkletIteration) model.WorkletIteration) {
	c.updateBundle(threadID, workletID, func(b model.WorkletBundle) model.WorkletBundle {
		idx := b.IndexOf(iterationID)
		if idx < 0 {
			return b
		}
		iterations := append([]model.WorkletIteration(nil), b.Iterations...)
		iterations[idx] = fn(iterations[idx])
		b.Iterations = iterations
		return b
	})
}

func (c *Coordinator) failOperation(err error, fallback string) {
	c.post(func() {
		c.closeModals()
		c.notify(model.NoticeError, errorMessage(err, fallback))
	})
}

// IterateField asks for a new candidate of one field and selects it
func (c *Coordinator) IterateField(ctx context.Context, threadID string, req model.IterateFieldRequest) (*model.IterateFieldResponse, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid iterate request: %w", err)
	}
	key := FieldScope(threadID, req.WorkletID, req.WorkletIterationID, req.Field)
	if err := c.acquire(key, BundleScope(threadID, req.WorkletID), model.ScopeIterating); err != nil {
		return nil, err
	}
	defer c.release(key)

	resp, err := c.api.IterateField(ctx, req)
	if err != nil {
		c.failOperation(err, "Failed to iterate field")
		return nil, err
	}

	payload := map[string]any{"selected_index": resp.SelectedIndex, "iterations": resp.Iterations}
	err = c.call(func() {
		c.updateIteration(threadID, req.WorkletID, req.WorkletIterationID, func(it model.WorkletIteration) model.WorkletIteration {
			next, _ := normalize.Field(it, req.Field, payload)
			return next
		})
		c.notify(model.NoticeSuccess, "Field updated")
	})
	return resp, err
}

// SelectField points a field at one of its existing candidates
func (c *Coordinator) SelectField(ctx context.Context, threadID string, req model.SelectFieldRequest) (*model.SelectFieldResponse, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid select request: %w", err)
	}
	key := FieldScope(threadID, req.WorkletID, req.WorkletIterationID, req.Field)
	if err := c.acquire(key, BundleScope(threadID, req.WorkletID), model.ScopeSelecting); err != nil {
		return nil, err
	}
	defer c.release(key)

	resp, err := c.api.SelectField(ctx, req)
	if err != nil {
		c.failOperation(err, "Failed to select candidate")
		return nil, err
	}

	err = c.call(func() {
		c.updateIteration(threadID, req.WorkletID, req.WorkletIterationID, func(it model.WorkletIteration) model.WorkletIteration {
			return it.WithFieldSelected(req.Field, resp.SelectedIndex)
		})
	})
	return resp, err
}

// EnhanceWorklet asks for a whole new iteration and makes it the default
func (c *Coordinator) EnhanceWorklet(ctx context.Context, threadID string, req model.EnhanceWorkletRequest) (*model.EnhanceWorkletResponse, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid enhance request: %w", err)
	}
	key := BundleScope(threadID, req.WorkletID)
	if err := c.acquire(key, key, model.ScopeEnhancing); err != nil {
		return nil, err
	}
	defer c.release(key)

	resp, err := c.api.EnhanceWorklet(ctx, req)
	if err != nil {
		c.failOperation(err, "Failed to enhance worklet")
		return nil, err
	}

	it := normalize.Iteration(resp.Iteration)
	if it.WorkletID == "" {
		it.WorkletID = req.WorkletID
	}
	err = c.call(func() {
		c.updateBundle(threadID, req.WorkletID, func(b model.WorkletBundle) model.WorkletBundle {
			b = b.WithIteration(it)
			b.SelectedIterationIndex = model.ClampIndex(resp.SelectedIterationIndex, len(b.Iterations))
			return b
		})
		c.notify(model.NoticeSuccess, "Worklet enhanced")
	})
	return resp, err
}

// SelectWorkletIteration makes an existing iteration the default of its worklet
func (c *Coordinator) SelectWorkletIteration(ctx context.Context, threadID string, req model.SelectIterationRequest) (*model.SelectIterationResponse, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid select request: %w", err)
	}
	key := BundleScope(threadID, req.WorkletID)
	if err := c.acquire(key, key, model.ScopeSelecting); err != nil {
		return nil, err
	}
	defer c.release(key)

	resp, err := c.api.SelectIteration(ctx, req)
	if err != nil {
		c.failOperation(err, "Failed to select iteration")
		return nil, err
	}

	err = c.call(func() {
		c.updateBundle(threadID, req.WorkletID, func(b model.WorkletBundle) model.WorkletBundle {
			b.SelectedIterationIndex = model.ClampIndex(resp.SelectedIterationIndex, len(b.Iterations))
			return b
		})
	})
	return resp, err
}
