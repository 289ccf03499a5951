package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/workletforge/studio/internal/model"
	"github.com/workletforge/studio/internal/normalize"
)

// Completer answers prompts with a JSON object
type Completer interface {
	IsConfigured() bool
	CompleteJSON(ctx context.Context, system, user string, out interface{}) error
}

// Generator writes worklet content through the chat model. Without a
// configured model it produces deterministic mock content.
type Generator struct {
	ai  Completer
	log *zap.Logger
}

func NewGenerator(ai Completer, log *zap.Logger) *Generator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{ai: ai, log: log.Named("generator")}
}

const systemPrompt = "You are an innovation analyst who writes structured project ideas called worklets. " +
	"Answer with a single JSON object and nothing else."

var errEmptyAnswer = errors.New("model returned an empty value")

func (g *Generator) live() bool {
	return g.ai != nil && g.ai.IsConfigured()
}

func threadBrief(rec *model.ThreadRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Thread name: %s\n", rec.ThreadName)
	if rec.CustomPrompt != "" {
		fmt.Fprintf(&b, "User instruction: %s\n", rec.CustomPrompt)
	}
	if len(rec.Links) > 0 {
		fmt.Fprintf(&b, "Links: %s\n", strings.Join(rec.Links, ", "))
	}
	if len(rec.Files) > 0 {
		fmt.Fprintf(&b, "Attached files: %s\n", strings.Join(rec.Files, ", "))
	}
	return b.String()
}

func snapshot(it model.WorkletIteration) string {
	flat := it.Flatten()
	delete(flat, "references")
	data, _ := json.MarshalIndent(flat, "", "  ")
	return string(data)
}

// ProposeTopics extracts domains and keywords per source category
func (g *Generator) ProposeTopics(ctx context.Context, rec *model.ThreadRecord) (model.DomainsKeywords, error) {
	if !g.live() {
		return mockTopics(rec), nil
	}
	prompt := fmt.Sprintf(`Extract technical domains and search keywords for generating project ideas.
Group them by source: "worklet" for the thread name, "link" for the links, "custom_prompt" for the user instruction.

%s
Respond as {"domains": {"worklet": [], "link": [], "custom_prompt": []}, "keywords": {"worklet": [], "link": [], "custom_prompt": []}}`,
		threadBrief(rec))

	var out model.DomainsKeywords
	if err := g.ai.CompleteJSON(ctx, systemPrompt, prompt, &out); err != nil {
		return model.DomainsKeywords{}, err
	}
	return out, nil
}

// ProposeQueries plans web search queries from the approved topics
func (g *Generator) ProposeQueries(ctx context.Context, rec *model.ThreadRecord, topics model.DomainsKeywords) ([]string, error) {
	if !g.live() {
		return mockQueries(rec, topics), nil
	}
	prompt := fmt.Sprintf(`Plan up to five web search queries that would help writing project ideas.

%s
Domains: %s
Keywords: %s

Respond as {"web_search_queries": [string]}`,
		threadBrief(rec),
		strings.Join(topics.Domains.Flatten(), ", "),
		strings.Join(topics.Keywords.Flatten(), ", "))

	var out struct {
		Queries []string `json:"web_search_queries"`
	}
	if err := g.ai.CompleteJSON(ctx, systemPrompt, prompt, &out); err != nil {
		return nil, err
	}
	queries := make([]string, 0, len(out.Queries))
	for _, q := range out.Queries {
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
	}
	return queries, nil
}

// DraftWorklet writes worklet number n of total as a fresh bundle
func (g *Generator) DraftWorklet(ctx context.Context, rec *model.ThreadRecord, topics model.DomainsKeywords, queries []string, n, total int) (model.WorkletBundle, error) {
	g.log.Debug("drafting worklet", zap.String("thread_id", rec.ThreadID), zap.Int("n", n), zap.Bool("mock", !g.live()))

	var raw map[string]any
	if g.live() {
		prompt := fmt.Sprintf(`Write project idea %d of %d. Make it distinct from the other ideas of the thread.

%s
Domains: %s
Keywords: %s
Research queries: %s

Respond as {"title": string, "problem_statement": string, "description": string, "reasoning": string,
"challenge_use_case": string, "deliverables": [string], "kpis": [string], "prerequisites": [string],
"infrastructure_requirements": string, "tech_stack": string, "milestones": {"string": string}}`,
			n, total, threadBrief(rec),
			strings.Join(topics.Domains.Flatten(), ", "),
			strings.Join(topics.Keywords.Flatten(), ", "),
			strings.Join(queries, "; "))
		if err := g.ai.CompleteJSON(ctx, systemPrompt, prompt, &raw); err != nil {
			return model.WorkletBundle{}, err
		}
	} else {
		raw = mockWorklet(rec, topics, n)
	}

	if raw == nil {
		raw = map[string]any{}
	}
	raw["references"] = linkReferences(rec.Links)
	data, err := json.Marshal(raw)
	if err != nil {
		return model.WorkletBundle{}, fmt.Errorf("failed to marshal worklet: %w", err)
	}
	return normalize.Bundle(json.RawMessage(data)), nil
}

func fieldShape(kind model.FieldKind) string {
	switch kind {
	case model.KindList:
		return "an array of strings"
	case model.KindStructured:
		return "an object mapping milestone names to short descriptions"
	}
	return "a single string"
}

// FieldCandidate writes a new value of field seeded from its candidate at index.
// The result is a string, a []string or a map[string]any depending on the field kind.
func (g *Generator) FieldCandidate(ctx context.Context, it model.WorkletIteration, field model.FieldKey, index int, instruction string) (any, error) {
	kind, ok := field.Kind()
	if !ok {
		return nil, ErrUnknownField
	}
	seed := it.FieldValue(field, index)
	if !g.live() {
		return mockCandidate(seed, instruction), nil
	}

	seedJSON, _ := json.Marshal(seed)
	prompt := fmt.Sprintf(`Refine a single field of a worklet.
- Update only the field named %q.
- Return a value that is %s.
- Keep the output aligned with the intent of the worklet and the instruction.

Current worklet:
%s

Current value of %q:
%s

User instruction:
%s

Respond as {"updated_value": <new value>}`,
		field, fieldShape(kind), snapshot(it), field, seedJSON, instruction)

	var out struct {
		UpdatedValue json.RawMessage `json:"updated_value"`
	}
	if err := g.ai.CompleteJSON(ctx, systemPrompt, prompt, &out); err != nil {
		return nil, err
	}

	switch kind {
	case model.KindList:
		if v := normalize.ListAttribute(out.UpdatedValue).Selected(); len(v) > 0 {
			return v, nil
		}
	case model.KindStructured:
		if v := normalize.StructuredAttribute(out.UpdatedValue).Selected(); len(v) > 0 {
			return v, nil
		}
	default:
		if v := normalize.StringAttribute(out.UpdatedValue).Selected(); strings.TrimSpace(v) != "" {
			return v, nil
		}
	}
	return nil, errEmptyAnswer
}

// Enhance rewrites a whole iteration following instruction
func (g *Generator) Enhance(ctx context.Context, it model.WorkletIteration, instruction string) (model.WorkletIteration, error) {
	var raw map[string]any
	if g.live() {
		prompt := fmt.Sprintf(`Enhance the worklet below according to the user instruction.
- Respect the overall intent of the existing worklet.
- Update every field as needed so the worklet reads as a consistent whole.
- Do not fabricate references.

Current worklet:
%s

User instruction:
%s

Respond with the same JSON keys as the current worklet.`, snapshot(it), instruction)
		if err := g.ai.CompleteJSON(ctx, systemPrompt, prompt, &raw); err != nil {
			return model.WorkletIteration{}, err
		}
	} else {
		raw = mockEnhancement(it, instruction)
	}

	if raw == nil {
		raw = map[string]any{}
	}
	// references are never rewritten
	raw["references"] = it.References
	delete(raw, "iteration_id")
	delete(raw, "created_at")
	data, err := json.Marshal(raw)
	if err != nil {
		return model.WorkletIteration{}, fmt.Errorf("failed to marshal iteration: %w", err)
	}
	return normalize.Iteration(json.RawMessage(data)), nil
}

func linkReferences(links []string) []model.Reference {
	refs := make([]model.Reference, 0, len(links))
	for _, link := range links {
		title := link
		if u, err := url.Parse(link); err == nil && u.Host != "" {
			title = u.Host
		}
		refs = append(refs, model.Reference{Title: title, Link: link, Tag: "link"})
	}
	return refs
}

func mockTopics(rec *model.ThreadRecord) model.DomainsKeywords {
	domains := model.Categories{
		model.CategoryWorklet:      {rec.ThreadName},
		model.CategoryLink:         {},
		model.CategoryCustomPrompt: {},
	}
	keywords := model.Categories{
		model.CategoryWorklet:      {},
		model.CategoryLink:         {},
		model.CategoryCustomPrompt: {},
	}
	for _, word := range strings.Fields(rec.ThreadName) {
		if len(word) > 3 {
			keywords[model.CategoryWorklet] = append(keywords[model.CategoryWorklet], strings.ToLower(word))
		}
	}
	for _, ref := range linkReferences(rec.Links) {
		domains[model.CategoryLink] = append(domains[model.CategoryLink], ref.Title)
	}
	if rec.CustomPrompt != "" {
		keywords[model.CategoryCustomPrompt] = append(keywords[model.CategoryCustomPrompt], rec.CustomPrompt)
	}
	return model.DomainsKeywords{Domains: domains, Keywords: keywords}
}

func mockQueries(rec *model.ThreadRecord, topics model.DomainsKeywords) []string {
	queries := []string{}
	for _, domain := range topics.Domains.Flatten() {
		queries = append(queries, domain+" recent advances")
		if len(queries) == 5 {
			break
		}
	}
	if len(queries) == 0 {
		queries = append(queries, rec.ThreadName+" state of the art")
	}
	return queries
}

func mockWorklet(rec *model.ThreadRecord, topics model.DomainsKeywords, n int) map[string]any {
	focus := rec.ThreadName
	if domains := topics.Domains.Flatten(); len(domains) > 0 {
		focus = domains[(n-1)%len(domains)]
	}
	return map[string]any{
		"title":                       fmt.Sprintf("%s: idea %d", rec.ThreadName, n),
		"problem_statement":           fmt.Sprintf("Teams working on %s lack a practical way to evaluate new approaches.", focus),
		"description":                 fmt.Sprintf("Build a prototype that explores %s and reports measurable outcomes.", focus),
		"reasoning":                   "Derived from the thread name and the approved topics.",
		"challenge_use_case":          fmt.Sprintf("A pilot deployment focused on %s.", focus),
		"deliverables":                []string{"Working prototype", "Evaluation report"},
		"kpis":                        []string{"Accuracy against baseline", "Latency per request"},
		"prerequisites":               []string{"Basic familiarity with " + focus},
		"infrastructure_requirements": "A single GPU workstation",
		"tech_stack":                  "Go, Redis",
		"milestones": map[string]any{
			"M1": "Literature review",
			"M2": "Prototype",
			"M3": "Evaluation",
		},
	}
}

func mockCandidate(seed any, instruction string) any {
	switch v := seed.(type) {
	case []string:
		return append(append([]string{}, v...), instruction)
	case map[string]any:
		out := make(map[string]any, len(v)+1)
		for k, val := range v {
			out[k] = val
		}
		out[fmt.Sprintf("M%d", len(v)+1)] = instruction
		return out
	case string:
		if v == "" {
			return instruction
		}
		return fmt.Sprintf("%s (%s)", v, instruction)
	}
	return instruction
}

func mockEnhancement(it model.WorkletIteration, instruction string) map[string]any {
	raw := it.Flatten()
	if title, _ := raw[string(model.FieldTitle)].(string); title != "" {
		raw[string(model.FieldTitle)] = title + " (enhanced)"
	}
	description, _ := raw[string(model.FieldDescription)].(string)
	raw[string(model.FieldDescription)] = strings.TrimSpace(description + "\n\n" + instruction)
	return raw
}
