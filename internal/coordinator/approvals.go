package coordinator

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/workletforge/studio/internal/model"
)

var (
	whitespaceRun    = regexp.MustCompile(`\s+`)
	trailingPunctRun = regexp.MustCompile(`[?!.,;:]+$`)
)

// SanitizeList trims values, drops blanks and removes case-insensitive
// duplicates. The first occurrence wins and keeps its original casing.
func SanitizeList(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}

// SanitizeCategories sanitizes every known category. Known categories are
// always present in the result, unknown ones are dropped.
func SanitizeCategories(in model.Categories) model.Categories {
	out := make(model.Categories, len(model.ValidCategories))
	for _, category := range model.ValidCategories {
		out[category] = SanitizeList(in[category])
	}
	return out
}

// SanitizeTopics prepares a topic approval response
func SanitizeTopics(in model.DomainsKeywords) model.DomainsKeywords {
	return model.DomainsKeywords{
		Domains:  SanitizeCategories(in.Domains),
		Keywords: SanitizeCategories(in.Keywords),
	}
}

// SanitizeQueries collapses inner whitespace and removes queries that only
// differ by case or trailing punctuation. The first occurrence wins.
func SanitizeQueries(queries []string) []string {
	out := make([]string, 0, len(queries))
	seen := make(map[string]bool, len(queries))
	for _, q := range queries {
		q = whitespaceRun.ReplaceAllString(strings.TrimSpace(q), " ")
		if q == "" {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(trailingPunctRun.ReplaceAllString(q, "")))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
	}
	return out
}

// SubmitTopicApproval answers the topic approval raised by jobID
func (c *Coordinator) SubmitTopicApproval(ctx context.Context, jobID string, topics model.DomainsKeywords) error {
	return c.respond(ctx, jobID, model.PhaseAwaitingTopicApproval, model.ModalTopicApproval,
		model.EventTopicResponse, SanitizeTopics(topics))
}

// SubmitWebApproval answers the web query approval raised by jobID
func (c *Coordinator) SubmitWebApproval(ctx context.Context, jobID string, queries []string) error {
	return c.respond(ctx, jobID, model.PhaseAwaitingWebApproval, model.ModalWebApproval,
		model.EventWebResponse, model.WebResponsePayload{Queries: SanitizeQueries(queries)})
}

func (c *Coordinator) respond(ctx context.Context, jobID string, awaiting model.Phase, kind model.ModalKind, event string, payload any) error {
	var pending bool
	if err := c.call(func() { pending = c.phase(jobID) == awaiting }); err != nil {
		return err
	}
	if !pending {
		return ErrNoApproval
	}

	if err := c.mux.Respond(ctx, jobID, event, payload); err != nil {
		c.post(func() {
			c.closeModals()
			c.notify(model.NoticeError, "Failed to send approval")
		})
		return fmt.Errorf("failed to emit %s: %w", event, err)
	}

	return c.call(func() {
		c.dropModal(jobID, kind)
		if c.phase(jobID) == awaiting {
			c.setPhase(jobID, model.PhaseStreaming)
		}
		c.log.Info("approval sent", zap.String("thread_id", jobID), zap.String("event", event))
	})
}
