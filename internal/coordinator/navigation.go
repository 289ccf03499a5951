package coordinator

import (
	"context"

	"go.uber.org/zap"

	"github.com/workletforge/studio/internal/client"
	"github.com/workletforge/studio/internal/model"
	"github.com/workletforge/studio/internal/store"
)

// persistLive writes the worklets of the viewed thread back into the store
func (c *Coordinator) persistLive() {
	if c.selected == "" || c.worklets == nil {
		return
	}
	c.store.Put(c.selected, store.Partial{Bundles: c.worklets})
}

// clearLive drops everything surfaced for the viewed thread
func (c *Coordinator) clearLive() {
	c.live = nil
	c.worklets = nil
	c.notFound = nil
}

// raiseModal queues an approval request. A thread has at most one pending
// request; a newer one from the same thread replaces it.
func (c *Coordinator) raiseModal(m Modal) {
	modals := make([]Modal, 0, len(c.modals)+1)
	for _, open := range c.modals {
		if open.ThreadID != m.ThreadID {
			modals = append(modals, open)
		}
	}
	c.modals = append(modals, m)
}

// dropModal removes the pending request of jobID, if it has one of kind.
// An empty kind matches any request.
func (c *Coordinator) dropModal(jobID string, kind model.ModalKind) {
	modals := make([]Modal, 0, len(c.modals))
	for _, open := range c.modals {
		if open.ThreadID == jobID && (kind == "" || open.Kind == kind) {
			continue
		}
		modals = append(modals, open)
	}
	c.modals = modals
}

// closeModals force-closes every pending request after an error
func (c *Coordinator) closeModals() {
	c.modals = nil
}

// restore surfaces the stored state of jobID
func (c *Coordinator) restore(jobID string) {
	entry, ok := c.store.Get(jobID)
	if !ok {
		c.worklets = []model.WorkletBundle{}
		return
	}
	if latest, ok := entry.Latest(); ok {
		c.live = &latest
	}
	c.worklets = append([]model.WorkletBundle{}, entry.Bundles...)
}

// SelectThread makes jobID the viewed thread. Optimistic threads are restored
// from the store; others are fetched, and bound to the channel while their
// generation is still running.
func (c *Coordinator) SelectThread(ctx context.Context, jobID string) error {
	var (
		skip  bool
		local bool
		seq   uint64
	)
	err := c.call(func() {
		if c.selected == jobID && c.notFound == nil {
			skip = true
			return
		}
		c.persistLive()
		c.stopInit()
		c.clearLive()
		c.selected = jobID
		c.showForm = false

		i := c.threadIndex(jobID)
		if i >= 0 && c.threads[i].Local {
			local = true
			c.loading = false
			if c.mux.Bound() != jobID {
				c.mux.Bind(jobID, c)
			}
			c.restore(jobID)
			return
		}
		if i >= 0 && !c.threads[i].Generated {
			c.mux.Bind(jobID, c)
		}
		c.loading = true
		c.fetchSeq++
		seq = c.fetchSeq
	})
	if err != nil || skip || local {
		return err
	}

	thread, err := c.api.GetThread(ctx, jobID)
	c.post(func() { c.applyFetch(jobID, seq, thread, err) })
	return err
}

// applyFetch installs a canonical snapshot unless a newer selection superseded it
func (c *Coordinator) applyFetch(jobID string, seq uint64, thread model.Thread, err error) {
	if seq != c.fetchSeq || c.selected != jobID {
		c.log.Debug("dropping stale thread fetch", zap.String("thread_id", jobID))
		return
	}
	c.loading = false

	if err != nil {
		c.closeModals()
		if client.IsNotFound(err) {
			apiErr, _ := client.AsAPIError(err)
			nf := &NotFound{Code: "NOT_FOUND", Message: "Thread not found", Path: "/thread/" + jobID}
			if apiErr.Code != "" {
				nf.Code = apiErr.Code
			}
			if apiErr.Message != "" {
				nf.Message = apiErr.Message
			}
			if apiErr.Path != "" {
				nf.Path = apiErr.Path
			}
			c.notFound = nf
			c.notify(model.NoticeError, nf.Message)
			return
		}
		c.notify(model.NoticeError, errorMessage(err, "Failed to fetch thread"))
		return
	}

	if i := c.threadIndex(jobID); i >= 0 {
		c.updateThread(jobID, func(t model.Thread) model.Thread {
			thread.Local = t.Local
			return thread
		})
	} else {
		c.threads = append([]model.Thread{thread}, c.threads...)
	}

	if !thread.Generated {
		if c.mux.Bound() != jobID {
			c.mux.Bind(jobID, c)
		}
		c.restore(jobID)
		if c.phase(jobID) == model.PhaseIdle || c.phase(jobID) == model.PhaseCompleted {
			c.setPhase(jobID, model.PhaseStreaming)
		}
		return
	}

	bundles := thread.Worklets
	if len(bundles) == 0 {
		if entry, ok := c.store.Get(jobID); ok {
			bundles = entry.Bundles
		}
	}
	c.store.ReplaceArtifacts(jobID, bundles)
	c.worklets = append([]model.WorkletBundle{}, bundles...)
	if entry, ok := c.store.Get(jobID); ok {
		if latest, ok := entry.Latest(); ok {
			c.live = &latest
		}
	}
	c.setPhase(jobID, model.PhaseCompleted)
}

// NewThread leaves the viewed thread and opens the submission form
func (c *Coordinator) NewThread() error {
	return c.call(func() {
		c.leave()
		c.showForm = true
	})
}

// Home leaves the viewed thread and returns to the welcome view
func (c *Coordinator) Home() error {
	return c.call(func() {
		c.leave()
		c.showForm = false
		c.formDraft = nil
	})
}

func (c *Coordinator) leave() {
	c.persistLive()
	c.mux.Unbind()
	c.stopInit()
	c.clearLive()
	c.selected = ""
	c.loading = false
	c.fetchSeq++
}

// DeleteThread removes jobID on the server and purges its local state.
// Optimistic threads only exist locally and skip the server call.
func (c *Coordinator) DeleteThread(ctx context.Context, jobID string) error {
	var local bool
	if err := c.call(func() {
		if i := c.threadIndex(jobID); i >= 0 {
			local = c.threads[i].Local
		}
	}); err != nil {
		return err
	}

	if !local {
		if err := c.api.DeleteThread(ctx, jobID); err != nil {
			c.post(func() {
				c.closeModals()
				c.notify(model.NoticeError, errorMessage(err, "Failed to delete thread"))
			})
			return err
		}
	}

	return c.call(func() {
		c.removeThread(jobID)
		c.store.RemoveJob(jobID)
		delete(c.phases, jobID)
		c.dropModal(jobID, "")
		if c.mux.Bound() == jobID {
			c.mux.Unbind()
		}
		if c.selected == jobID {
			c.stopInit()
			c.clearLive()
			c.selected = ""
			c.loading = false
			c.showForm = false
		}
		c.log.Info("thread deleted", zap.String("thread_id", jobID))
		c.notify(model.NoticeSuccess, "Thread deleted")
	})
}
