// Package normalize coerces worklet payloads of any supported shape into the
// canonical multi-candidate model. Every function is total: malformed input
// degrades to defaults instead of failing, and normalizing an already
// canonical value returns an equivalent value.
package normalize

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/workletforge/studio/internal/model"
)

// TimestampLayout is used for generated created_at values
const TimestampLayout = "2006-01-02T15:04:05.000Z"

var textListSplit = regexp.MustCompile(`[\r\n]+|\s*[;\x{2022}]\s*`)

// generic turns input into the tree encoding/json produces for interface{}:
// map[string]any, []any, string, float64, bool or nil.
func generic(input any) any {
	switch v := input.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return decode(v)
	case []byte:
		return decode(v)
	case map[string]any, []any, string, float64, bool:
		return v
	}
	data, err := json.Marshal(input)
	if err != nil {
		return nil
	}
	return decode(data)
}

func decode(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok && m != nil
}

// stringify mirrors how loosely typed payloads render scalars as text
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// index truncates a numeric value toward zero. Anything else reads as 0.
func index(v any) int {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		return t
	case int64:
		return int(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	f = math.Trunc(f)
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	if f < math.MinInt32 {
		return math.MinInt32
	}
	return int(f)
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64, json.Number:
		return true
	}
	return false
}

// nonBlank returns v when it is a string with visible content
func nonBlank(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

func now() string {
	return time.Now().UTC().Format(TimestampLayout)
}

// TextList tokenizes a legacy list value. A single string is split on line
// breaks, semicolons and bullets; an array has each entry stringified. Entries
// are trimmed and empty ones dropped. Records carry no list and yield nothing.
func TextList(input any) []string {
	raw := generic(input)
	out := []string{}
	switch v := raw.(type) {
	case nil, map[string]any:
		return out
	case []any:
		for _, entry := range v {
			if s := strings.TrimSpace(stringify(entry)); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	text := strings.TrimSpace(stringify(raw))
	if text == "" {
		return out
	}
	for _, token := range textListSplit.Split(text, -1) {
		if token = strings.TrimSpace(token); token != "" {
			out = append(out, token)
		}
	}
	return out
}

// canonicalIterations reports the iterations array of an attribute-shaped value
func canonicalIterations(raw any) (map[string]any, []any, bool) {
	m, ok := asMap(raw)
	if !ok {
		return nil, nil, false
	}
	iterations, ok := m["iterations"].([]any)
	if !ok {
		return nil, nil, false
	}
	return m, iterations, true
}

// StringAttribute normalizes a text field
func StringAttribute(input any) model.StringAttribute {
	raw := generic(input)
	m, entries, ok := canonicalIterations(raw)
	if !ok {
		return model.StringAttribute{SelectedIndex: 0, Iterations: []string{stringify(raw)}}
	}
	iterations := make([]string, 0, len(entries))
	for _, entry := range entries {
		iterations = append(iterations, stringify(entry))
	}
	if len(iterations) == 0 {
		iterations = []string{""}
	}
	return model.StringAttribute{
		SelectedIndex: model.ClampIndex(index(m["selected_index"]), len(iterations)),
		Iterations:    iterations,
	}
}

// ListAttribute normalizes a bullet-list field
func ListAttribute(input any) model.ListAttribute {
	raw := generic(input)
	m, entries, ok := canonicalIterations(raw)
	if !ok {
		return model.ListAttribute{SelectedIndex: 0, Iterations: [][]string{TextList(raw)}}
	}
	iterations := make([][]string, 0, len(entries))
	for _, entry := range entries {
		iterations = append(iterations, TextList(entry))
	}
	if len(iterations) == 0 {
		iterations = [][]string{{}}
	}
	return model.ListAttribute{
		SelectedIndex: model.ClampIndex(index(m["selected_index"]), len(iterations)),
		Iterations:    iterations,
	}
}

func copyRecord(v any) map[string]any {
	out := map[string]any{}
	if m, ok := asMap(v); ok {
		for k, val := range m {
			out[k] = val
		}
	}
	return out
}

// StructuredAttribute normalizes a key/value field such as milestones
func StructuredAttribute(input any) model.StructuredAttribute {
	raw := generic(input)
	m, entries, ok := canonicalIterations(raw)
	if !ok {
		return model.StructuredAttribute{SelectedIndex: 0, Iterations: []map[string]any{copyRecord(raw)}}
	}
	iterations := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		iterations = append(iterations, copyRecord(entry))
	}
	if len(iterations) == 0 {
		iterations = []map[string]any{{}}
	}
	return model.StructuredAttribute{
		SelectedIndex: model.ClampIndex(index(m["selected_index"]), len(iterations)),
		Iterations:    iterations,
	}
}

// Field normalizes payload as the attribute kind of field and stores it on it
func Field(it model.WorkletIteration, field model.FieldKey, payload any) (model.WorkletIteration, bool) {
	kind, ok := field.Kind()
	if !ok {
		return it, false
	}
	switch kind {
	case model.KindList:
		return it.WithListField(field, ListAttribute(payload)), true
	case model.KindStructured:
		return it.WithStructuredField(field, StructuredAttribute(payload)), true
	default:
		return it.WithStringField(field, StringAttribute(payload)), true
	}
}

func references(raw any) []model.Reference {
	out := []model.Reference{}
	entries, ok := raw.([]any)
	if !ok {
		return out
	}
	for _, entry := range entries {
		m, ok := asMap(entry)
		if !ok {
			continue
		}
		out = append(out, model.Reference{
			Title:       stringify(m["title"]),
			Link:        stringify(m["link"]),
			Description: stringify(m["description"]),
			Tag:         stringify(m["tag"]),
		})
	}
	return out
}

func reasoning(raw any) string {
	if s, ok := raw.(string); ok {
		return s
	}
	if _, _, ok := canonicalIterations(raw); ok {
		return StringAttribute(raw).Selected()
	}
	return ""
}

// Iteration normalizes one worklet snapshot. Each field is detected on its own,
// so payloads mixing canonical and legacy fields are accepted.
func Iteration(input any) model.WorkletIteration {
	m, _ := asMap(generic(input))
	if m == nil {
		m = map[string]any{}
	}

	it := model.WorkletIteration{
		WorkletID:  stringOr(m["worklet_id"], ""),
		Reasoning:  reasoning(m["reasoning"]),
		References: references(m["references"]),
	}
	for _, field := range model.ValidFields {
		it, _ = Field(it, field, m[string(field)])
	}

	if id, ok := nonBlank(m["iteration_id"]); ok {
		it.IterationID = id
	} else {
		it.IterationID = uuid.NewString()
	}
	if createdAt, ok := nonBlank(m["created_at"]); ok {
		it.CreatedAt = createdAt
	} else {
		it.CreatedAt = now()
	}
	return it
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}

// isBundle detects the bundle shape structurally
func isBundle(m map[string]any) ([]any, bool) {
	if m == nil {
		return nil, false
	}
	iterations, ok := m["iterations"].([]any)
	if !ok || !isNumber(m["selected_iteration_index"]) {
		return nil, false
	}
	if _, ok := m["worklet_id"].(string); !ok {
		return nil, false
	}
	for _, entry := range iterations {
		if _, ok := asMap(entry); !ok {
			return nil, false
		}
	}
	return iterations, true
}

// Bundle normalizes a worklet in bundle, canonical iteration or legacy shape.
// Anything that is not a bundle becomes a singleton bundle.
func Bundle(input any) model.WorkletBundle {
	raw := generic(input)
	m, _ := asMap(raw)

	entries, ok := isBundle(m)
	if !ok {
		it := Iteration(raw)
		return withBundleID(model.WorkletBundle{
			WorkletID:  it.WorkletID,
			Iterations: []model.WorkletIteration{it},
		})
	}

	iterations := make([]model.WorkletIteration, 0, len(entries))
	for _, entry := range entries {
		iterations = append(iterations, Iteration(entry))
	}
	if len(iterations) == 0 {
		iterations = append(iterations, Iteration(raw))
	}

	workletID, ok := nonBlank(m["worklet_id"])
	if !ok {
		workletID = iterations[0].WorkletID
	}
	return withBundleID(model.WorkletBundle{
		WorkletID:              workletID,
		SelectedIterationIndex: model.ClampIndex(index(m["selected_iteration_index"]), len(iterations)),
		Iterations:             iterations,
	})
}

// withBundleID generates a missing bundle id and shares it with iterations lacking one
func withBundleID(b model.WorkletBundle) model.WorkletBundle {
	if strings.TrimSpace(b.WorkletID) == "" {
		b.WorkletID = uuid.NewString()
	}
	for i := range b.Iterations {
		if strings.TrimSpace(b.Iterations[i].WorkletID) == "" {
			b.Iterations[i].WorkletID = b.WorkletID
		}
	}
	return b
}

// Bundles normalizes a list of worklets. Non-array input yields an empty list.
func Bundles(input any) []model.WorkletBundle {
	out := []model.WorkletBundle{}
	entries, ok := generic(input).([]any)
	if !ok {
		return out
	}
	for _, entry := range entries {
		out = append(out, Bundle(entry))
	}
	return out
}

// Thread normalizes a thread record and every worklet it carries
func Thread(input any) model.Thread {
	m, _ := asMap(generic(input))
	if m == nil {
		m = map[string]any{}
	}

	t := model.Thread{
		ThreadID:     stringOr(m["thread_id"], ""),
		ThreadName:   stringOr(m["thread_name"], ""),
		ClusterID:    stringOr(m["cluster_id"], ""),
		CustomPrompt: stringify(m["custom_prompt"]),
		Links:        stringList(m["links"]),
		Files:        stringList(m["files"]),
		Worklets:     Bundles(m["worklets"]),
	}
	if isNumber(m["count"]) {
		t.Count = index(m["count"])
	}
	t.Generated, _ = m["generated"].(bool)
	t.Local, _ = m["local"].(bool)
	if createdAt, ok := nonBlank(m["created_at"]); ok {
		t.CreatedAt = createdAt
	} else {
		t.CreatedAt = now()
	}
	return t
}

func stringList(raw any) []string {
	out := []string{}
	entries, ok := raw.([]any)
	if !ok {
		return out
	}
	for _, entry := range entries {
		out = append(out, stringify(entry))
	}
	return out
}
