package model

// StringAttribute is a text field with one or more AI-proposed candidates
type StringAttribute struct {
	SelectedIndex int      `json:"selected_index"`
	Iterations    []string `json:"iterations"`
}

// ListAttribute is a bullet-list field with one or more AI-proposed candidates
type ListAttribute struct {
	SelectedIndex int        `json:"selected_index"`
	Iterations    [][]string `json:"iterations"`
}

// StructuredAttribute is a key/value field (milestones) with one or more candidates
type StructuredAttribute struct {
	SelectedIndex int              `json:"selected_index"`
	Iterations    []map[string]any `json:"iterations"`
}

// ClampIndex truncates index into [0, length-1]. An empty sequence always yields 0.
func ClampIndex(index, length int) int {
	if length <= 0 || index < 0 {
		return 0
	}
	if index > length-1 {
		return length - 1
	}
	return index
}

// Len returns the number of candidates
func (a StringAttribute) Len() int { return len(a.Iterations) }

// At returns the candidate at index, clamped into range
func (a StringAttribute) At(index int) string {
	if len(a.Iterations) == 0 {
		return ""
	}
	return a.Iterations[ClampIndex(index, len(a.Iterations))]
}

// Selected returns the currently selected candidate
func (a StringAttribute) Selected() string { return a.At(a.SelectedIndex) }

// WithCandidate returns a copy with value appended and selected
func (a StringAttribute) WithCandidate(value string) StringAttribute {
	iterations := make([]string, 0, len(a.Iterations)+1)
	iterations = append(iterations, a.Iterations...)
	iterations = append(iterations, value)
	return StringAttribute{SelectedIndex: len(iterations) - 1, Iterations: iterations}
}

// WithSelected returns a copy pointing at index, clamped into range
func (a StringAttribute) WithSelected(index int) StringAttribute {
	return StringAttribute{SelectedIndex: ClampIndex(index, len(a.Iterations)), Iterations: a.Iterations}
}

// Len returns the number of candidates
func (a ListAttribute) Len() int { return len(a.Iterations) }

// At returns the candidate at index, clamped into range
func (a ListAttribute) At(index int) []string {
	if len(a.Iterations) == 0 {
		return []string{}
	}
	return a.Iterations[ClampIndex(index, len(a.Iterations))]
}

// Selected returns the currently selected candidate
func (a ListAttribute) Selected() []string { return a.At(a.SelectedIndex) }

// WithCandidate returns a copy with value appended and selected
func (a ListAttribute) WithCandidate(value []string) ListAttribute {
	iterations := make([][]string, 0, len(a.Iterations)+1)
	iterations = append(iterations, a.Iterations...)
	iterations = append(iterations, append([]string{}, value...))
	return ListAttribute{SelectedIndex: len(iterations) - 1, Iterations: iterations}
}

// WithSelected returns a copy pointing at index, clamped into range
func (a ListAttribute) WithSelected(index int) ListAttribute {
	return ListAttribute{SelectedIndex: ClampIndex(index, len(a.Iterations)), Iterations: a.Iterations}
}

// Len returns the number of candidates
func (a StructuredAttribute) Len() int { return len(a.Iterations) }

// At returns the candidate at index, clamped into range
func (a StructuredAttribute) At(index int) map[string]any {
	if len(a.Iterations) == 0 {
		return map[string]any{}
	}
	return a.Iterations[ClampIndex(index, len(a.Iterations))]
}

// Selected returns the currently selected candidate
func (a StructuredAttribute) Selected() map[string]any { return a.At(a.SelectedIndex) }

// WithCandidate returns a copy with value appended and selected
func (a StructuredAttribute) WithCandidate(value map[string]any) StructuredAttribute {
	iterations := make([]map[string]any, 0, len(a.Iterations)+1)
	iterations = append(iterations, a.Iterations...)
	candidate := make(map[string]any, len(value))
	for k, v := range value {
		candidate[k] = v
	}
	iterations = append(iterations, candidate)
	return StructuredAttribute{SelectedIndex: len(iterations) - 1, Iterations: iterations}
}

// WithSelected returns a copy pointing at index, clamped into range
func (a StructuredAttribute) WithSelected(index int) StructuredAttribute {
	return StructuredAttribute{SelectedIndex: ClampIndex(index, len(a.Iterations)), Iterations: a.Iterations}
}
