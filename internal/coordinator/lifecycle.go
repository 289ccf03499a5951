package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/workletforge/studio/internal/client"
	"github.com/workletforge/studio/internal/model"
	"github.com/workletforge/studio/internal/normalize"
	"github.com/workletforge/studio/internal/store"
)

// Submit validates form, inserts an optimistic thread, binds its channel and
// starts the creation call in the background. It returns the allocated thread id.
func (c *Coordinator) Submit(form model.GenerateForm) (string, error) {
	if err := c.validate.Struct(form); err != nil {
		return "", fmt.Errorf("invalid form: %w", err)
	}

	jobID := c.newID()
	previous := form.Clone()
	err := c.call(func() {
		c.persistLive()
		c.stopInit()

		thread := model.Thread{
			ThreadID:     jobID,
			ThreadName:   form.ThreadName,
			ClusterID:    form.ClusterID,
			CustomPrompt: form.CustomPrompt,
			Links:        append([]string{}, form.Links...),
			Files:        form.Filenames(),
			Count:        form.Count,
			CreatedAt:    c.now().UTC().Format(normalize.TimestampLayout),
			Worklets:     []model.WorkletBundle{},
			Local:        true,
		}
		c.threads = append([]model.Thread{thread}, c.threads...)
		c.store.Put(jobID, store.Partial{
			Progress: []model.ProgressMessage{},
			Bundles:  []model.WorkletBundle{},
		})

		c.formDraft = nil
		c.selected = jobID
		c.showForm = false
		c.loading = false
		c.notFound = nil
		c.worklets = nil
		c.setPhase(jobID, model.PhaseSubmitting)

		c.mux.Bind(jobID, c)
		c.setPhase(jobID, model.PhaseInitializing)
		c.startInit(jobID)
		c.log.Info("thread submitted",
			zap.String("thread_id", jobID),
			zap.Int("count", form.Count),
			zap.Int("files", len(form.Files)),
		)
	})
	if err != nil {
		return "", err
	}

	go c.create(jobID, previous)
	return jobID, nil
}

func (c *Coordinator) create(jobID string, form model.GenerateForm) {
	resp, err := c.api.CreateThread(c.ctx, jobID, form)
	if err != nil {
		c.post(func() { c.failSubmit(jobID, form, err) })
		return
	}
	bundles := make([]model.WorkletBundle, 0, len(resp.Worklets))
	for _, raw := range resp.Worklets {
		bundles = append(bundles, normalize.Bundle(raw))
	}
	if !c.post(func() { c.completeSubmit(jobID, bundles) }) {
		return
	}

	c.refreshThreads(c.ctx)
	thread, err := c.api.GetThread(c.ctx, jobID)
	if err != nil {
		c.log.Warn("failed to fetch canonical thread", zap.String("thread_id", jobID), zap.Error(err))
		return
	}
	c.post(func() {
		c.store.ReplaceArtifacts(jobID, thread.Worklets)
		if c.selected == jobID {
			c.worklets = append([]model.WorkletBundle(nil), thread.Worklets...)
		}
	})
}

func (c *Coordinator) completeSubmit(jobID string, bundles []model.WorkletBundle) {
	c.updateThread(jobID, func(t model.Thread) model.Thread {
		t.Local = false
		t.Generated = true
		t.Worklets = bundles
		return t
	})
	c.setPhase(jobID, model.PhaseCompleted)
	c.store.ReplaceArtifacts(jobID, bundles)
	if c.initJob == jobID {
		c.stopInit()
	}
	if c.selected == jobID {
		c.live = nil
		c.worklets = append([]model.WorkletBundle(nil), bundles...)
	}
	c.log.Info("thread generated", zap.String("thread_id", jobID), zap.Int("worklets", len(bundles)))
	c.notify(model.NoticeSuccess, "Worklets generated successfully")
}

// failSubmit discards the optimistic thread and hands previous back to the form
func (c *Coordinator) failSubmit(jobID string, previous model.GenerateForm, err error) {
	c.log.Warn("thread creation failed", zap.String("thread_id", jobID), zap.Error(err))

	c.removeThread(jobID)
	c.store.RemoveJob(jobID)
	delete(c.phases, jobID)
	if c.initJob == jobID {
		c.stopInit()
	}
	if c.mux.Bound() == jobID {
		c.mux.Unbind()
	}
	if c.selected == jobID {
		c.selected = ""
		c.live = nil
		c.worklets = nil
	}
	c.showForm = true
	c.formDraft = &previous
	c.closeModals()
	c.notify(model.NoticeError, submitErrorMessage(err))
}

func submitErrorMessage(err error) string {
	apiErr, ok := client.AsAPIError(err)
	if !ok {
		return "Failed to generate worklets"
	}
	switch {
	case apiErr.Status == 409:
		if apiErr.Message != "" {
			return apiErr.Message
		}
		return "Thread ID already exists"
	case apiErr.Status == 422:
		parts := make([]string, 0, 2)
		if apiErr.Message != "" {
			parts = append(parts, apiErr.Message)
		}
		if hint := client.FormatValidationDetails(apiErr.Details); hint != "" {
			parts = append(parts, hint)
		}
		return strings.Join(parts, "\n")
	case apiErr.Message != "":
		return apiErr.Message
	}
	return "Failed to generate worklets"
}

// RefreshThreads reloads the thread list from the server
func (c *Coordinator) RefreshThreads(ctx context.Context) error {
	return c.refreshThreads(ctx)
}

func (c *Coordinator) refreshThreads(ctx context.Context) error {
	threads, err := c.api.ListThreads(ctx)
	if err != nil {
		c.post(func() {
			c.closeModals()
			c.notify(model.NoticeError, errorMessage(err, "Failed to fetch threads"))
		})
		return err
	}
	sortThreads(threads)
	c.post(func() { c.mergeThreads(threads) })
	return nil
}

// mergeThreads installs the server list while keeping optimistic threads the
// server does not know yet
func (c *Coordinator) mergeThreads(fetched []model.Thread) {
	known := make(map[string]bool, len(fetched))
	for _, t := range fetched {
		known[t.ThreadID] = true
	}
	var local []model.Thread
	for _, t := range c.threads {
		if t.Local && !known[t.ThreadID] {
			local = append(local, t)
		}
	}
	c.threads = append(local, fetched...)
}

func sortThreads(threads []model.Thread) {
	created := func(t model.Thread) int64 {
		ts, err := time.Parse(time.RFC3339Nano, t.CreatedAt)
		if err != nil {
			return 0
		}
		return ts.UnixMilli()
	}
	sort.SliceStable(threads, func(i, j int) bool {
		return created(threads[i]) > created(threads[j])
	})
}

func errorMessage(err error, fallback string) string {
	if apiErr, ok := client.AsAPIError(err); ok && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}
