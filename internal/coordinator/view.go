package coordinator

import (
	"github.com/workletforge/studio/internal/model"
)

// Notice is a user-visible message raised by an operation
type Notice struct {
	Level   model.NoticeLevel `json:"level"`
	Message string            `json:"message"`
}

// Modal is a pending approval request. Responses are routed by ThreadID,
// which is the thread that raised it and not necessarily the one on screen.
type Modal struct {
	Kind     model.ModalKind       `json:"kind"`
	ThreadID string                `json:"thread_id"`
	Message  string                `json:"message,omitempty"`
	Topics   model.DomainsKeywords `json:"topics,omitempty"`
	Queries  []string              `json:"queries,omitempty"`
}

// NotFound replaces the thread view when the server no longer knows a thread
type NotFound struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path"`
}

// View is an immutable snapshot of the session for rendering. Modals holds
// every pending approval in arrival order; Modal is the first of them.
type View struct {
	Threads    []model.Thread              `json:"threads"`
	SelectedID string                      `json:"selected_id,omitempty"`
	Selected   *model.Thread               `json:"selected,omitempty"`
	ShowForm   bool                        `json:"show_form"`
	FormDraft  *model.GenerateForm         `json:"form_draft,omitempty"`
	Loading    bool                        `json:"loading"`
	Phase      model.Phase                 `json:"phase"`
	Progress   *model.ProgressMessage      `json:"progress,omitempty"`
	Worklets   []model.WorkletBundle       `json:"worklets"`
	Modal      *Modal                      `json:"modal,omitempty"`
	Modals     []Modal                     `json:"modals"`
	Busy       map[string]model.ScopeState `json:"busy"`
	NotFound   *NotFound                   `json:"not_found,omitempty"`
	Revision   uint64                      `json:"revision"`
}

// Update is pushed to subscribers after every applied action
type Update struct {
	View    View     `json:"view"`
	Notices []Notice `json:"notices,omitempty"`
}

func (c *Coordinator) snapshot() View {
	v := View{
		Threads:    append([]model.Thread{}, c.threads...),
		SelectedID: c.selected,
		ShowForm:   c.showForm,
		Loading:    c.loading,
		Phase:      c.phase(c.selected),
		Worklets:   append([]model.WorkletBundle{}, c.worklets...),
		Busy:       make(map[string]model.ScopeState, len(c.scopes)),
		Revision:   c.revision,
	}
	if c.selected == "" {
		v.Phase = model.PhaseIdle
	}
	if i := c.threadIndex(c.selected); i >= 0 {
		t := c.threads[i]
		t.Worklets = v.Worklets
		v.Selected = &t
	}
	if c.formDraft != nil {
		draft := c.formDraft.Clone()
		v.FormDraft = &draft
	}
	if c.live != nil {
		p := *c.live
		v.Progress = &p
	}
	v.Modals = append([]Modal{}, c.modals...)
	if len(v.Modals) > 0 {
		m := v.Modals[0]
		v.Modal = &m
	}
	if c.notFound != nil {
		nf := *c.notFound
		v.NotFound = &nf
	}
	for k, s := range c.scopes {
		v.Busy[k] = s
	}
	return v
}

// View returns the current snapshot
func (c *Coordinator) View() (View, error) {
	var v View
	err := c.call(func() { v = c.snapshot() })
	return v, err
}

// Subscribe streams an Update after every applied action. A slow subscriber
// loses its oldest pending updates rather than stalling the session.
func (c *Coordinator) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 16)
	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subscribers[id] = ch
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (c *Coordinator) publish() {
	c.revision++
	notices := c.notices
	c.notices = nil

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if len(c.subscribers) == 0 {
		return
	}
	u := Update{View: c.snapshot(), Notices: notices}
	for _, ch := range c.subscribers {
		select {
		case ch <- u:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- u:
			default:
			}
		}
	}
}
