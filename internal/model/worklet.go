package model

// FieldKey names one iteratable worklet field
type FieldKey string

const (
	FieldTitle                      FieldKey = "title"
	FieldProblemStatement           FieldKey = "problem_statement"
	FieldDescription                FieldKey = "description"
	FieldChallengeUseCase           FieldKey = "challenge_use_case"
	FieldDeliverables               FieldKey = "deliverables"
	FieldKPIs                       FieldKey = "kpis"
	FieldPrerequisites              FieldKey = "prerequisites"
	FieldInfrastructureRequirements FieldKey = "infrastructure_requirements"
	FieldTechStack                  FieldKey = "tech_stack"
	FieldMilestones                 FieldKey = "milestones"
)

// FieldKind tells which attribute shape a field uses
type FieldKind int

const (
	KindString FieldKind = iota
	KindList
	KindStructured
)

var ValidFields = []FieldKey{
	FieldTitle, FieldProblemStatement, FieldDescription, FieldChallengeUseCase,
	FieldDeliverables, FieldKPIs, FieldPrerequisites,
	FieldInfrastructureRequirements, FieldTechStack, FieldMilestones,
}

// Kind returns the attribute shape of the field and whether the field is known
func (f FieldKey) Kind() (FieldKind, bool) {
	switch f {
	case FieldTitle, FieldProblemStatement, FieldDescription, FieldChallengeUseCase,
		FieldInfrastructureRequirements, FieldTechStack:
		return KindString, true
	case FieldDeliverables, FieldKPIs, FieldPrerequisites:
		return KindList, true
	case FieldMilestones:
		return KindStructured, true
	}
	return KindString, false
}

// Reference is a supporting link attached to a worklet
type Reference struct {
	Title       string `json:"title"`
	Link        string `json:"link"`
	Description string `json:"description"`
	Tag         string `json:"tag"`
}

// WorkletIteration is one full snapshot of every field of a worklet
type WorkletIteration struct {
	WorkletID                  string              `json:"worklet_id"`
	IterationID                string              `json:"iteration_id"`
	CreatedAt                  string              `json:"created_at"`
	Title                      StringAttribute     `json:"title"`
	ProblemStatement           StringAttribute     `json:"problem_statement"`
	Description                StringAttribute     `json:"description"`
	Reasoning                  string              `json:"reasoning"`
	ChallengeUseCase           StringAttribute     `json:"challenge_use_case"`
	Deliverables               ListAttribute       `json:"deliverables"`
	KPIs                       ListAttribute       `json:"kpis"`
	Prerequisites              ListAttribute       `json:"prerequisites"`
	InfrastructureRequirements StringAttribute     `json:"infrastructure_requirements"`
	TechStack                  StringAttribute     `json:"tech_stack"`
	Milestones                 StructuredAttribute `json:"milestones"`
	References                 []Reference         `json:"references"`
}

// WorkletBundle is the versioned collection of iterations of one worklet
type WorkletBundle struct {
	WorkletID              string             `json:"worklet_id"`
	SelectedIterationIndex int                `json:"selected_iteration_index"`
	Iterations             []WorkletIteration `json:"iterations"`
}

func (it *WorkletIteration) stringField(field FieldKey) *StringAttribute {
	switch field {
	case FieldTitle:
		return &it.Title
	case FieldProblemStatement:
		return &it.ProblemStatement
	case FieldDescription:
		return &it.Description
	case FieldChallengeUseCase:
		return &it.ChallengeUseCase
	case FieldInfrastructureRequirements:
		return &it.InfrastructureRequirements
	case FieldTechStack:
		return &it.TechStack
	}
	return nil
}

func (it *WorkletIteration) listField(field FieldKey) *ListAttribute {
	switch field {
	case FieldDeliverables:
		return &it.Deliverables
	case FieldKPIs:
		return &it.KPIs
	case FieldPrerequisites:
		return &it.Prerequisites
	}
	return nil
}

// FieldLen returns the candidate count of field, or 0 for unknown fields
func (it WorkletIteration) FieldLen(field FieldKey) int {
	if attr := it.stringField(field); attr != nil {
		return attr.Len()
	}
	if attr := it.listField(field); attr != nil {
		return attr.Len()
	}
	if field == FieldMilestones {
		return it.Milestones.Len()
	}
	return 0
}

// FieldSelectedIndex returns the selected index of field
func (it WorkletIteration) FieldSelectedIndex(field FieldKey) int {
	if attr := it.stringField(field); attr != nil {
		return attr.SelectedIndex
	}
	if attr := it.listField(field); attr != nil {
		return attr.SelectedIndex
	}
	if field == FieldMilestones {
		return it.Milestones.SelectedIndex
	}
	return 0
}

// WithFieldSelected returns a copy whose field points at index (clamped)
func (it WorkletIteration) WithFieldSelected(field FieldKey, index int) WorkletIteration {
	if attr := it.stringField(field); attr != nil {
		*attr = attr.WithSelected(index)
	} else if attr := it.listField(field); attr != nil {
		*attr = attr.WithSelected(index)
	} else if field == FieldMilestones {
		it.Milestones = it.Milestones.WithSelected(index)
	}
	return it
}

// WithStringField returns a copy with a string field replaced
func (it WorkletIteration) WithStringField(field FieldKey, attr StringAttribute) WorkletIteration {
	if target := it.stringField(field); target != nil {
		*target = attr
	}
	return it
}

// WithListField returns a copy with a list field replaced
func (it WorkletIteration) WithListField(field FieldKey, attr ListAttribute) WorkletIteration {
	if target := it.listField(field); target != nil {
		*target = attr
	}
	return it
}

// WithStructuredField returns a copy with the structured field replaced
func (it WorkletIteration) WithStructuredField(field FieldKey, attr StructuredAttribute) WorkletIteration {
	if field == FieldMilestones {
		it.Milestones = attr
	}
	return it
}

// StringField returns the attribute of a string-kind field
func (it WorkletIteration) StringField(field FieldKey) (StringAttribute, bool) {
	if attr := it.stringField(field); attr != nil {
		return *attr, true
	}
	return StringAttribute{}, false
}

// ListField returns the attribute of a list-kind field
func (it WorkletIteration) ListField(field FieldKey) (ListAttribute, bool) {
	if attr := it.listField(field); attr != nil {
		return *attr, true
	}
	return ListAttribute{}, false
}

// FieldCandidates returns every candidate of field in its plain shape
func (it WorkletIteration) FieldCandidates(field FieldKey) any {
	if attr := it.stringField(field); attr != nil {
		return attr.Iterations
	}
	if attr := it.listField(field); attr != nil {
		return attr.Iterations
	}
	if field == FieldMilestones {
		return it.Milestones.Iterations
	}
	return nil
}

// FieldValue returns the candidate at index of field in its plain shape
func (it WorkletIteration) FieldValue(field FieldKey, index int) any {
	if attr := it.stringField(field); attr != nil {
		return attr.At(index)
	}
	if attr := it.listField(field); attr != nil {
		return attr.At(index)
	}
	if field == FieldMilestones {
		return it.Milestones.At(index)
	}
	return nil
}

// Flatten returns the selected candidate of every field, keyed by field name
func (it WorkletIteration) Flatten() map[string]any {
	out := map[string]any{
		"reasoning":  it.Reasoning,
		"references": it.References,
	}
	for _, field := range ValidFields {
		out[string(field)] = it.FieldValue(field, it.FieldSelectedIndex(field))
	}
	return out
}

// IterationAt returns the iteration at index, clamped into range
func (b WorkletBundle) IterationAt(index int) (WorkletIteration, bool) {
	if len(b.Iterations) == 0 {
		return WorkletIteration{}, false
	}
	return b.Iterations[ClampIndex(index, len(b.Iterations))], true
}

// Default returns the iteration currently marked as default
func (b WorkletBundle) Default() (WorkletIteration, bool) {
	return b.IterationAt(b.SelectedIterationIndex)
}

// IndexOf returns the position of the iteration with the given id, or -1
func (b WorkletBundle) IndexOf(iterationID string) int {
	for i, it := range b.Iterations {
		if it.IterationID == iterationID {
			return i
		}
	}
	return -1
}

// WithIteration returns a copy with the iteration of the same id replaced,
// or appended when no such iteration exists yet
func (b WorkletBundle) WithIteration(it WorkletIteration) WorkletBundle {
	iterations := make([]WorkletIteration, len(b.Iterations), len(b.Iterations)+1)
	copy(iterations, b.Iterations)
	if idx := b.IndexOf(it.IterationID); idx >= 0 {
		iterations[idx] = it
	} else {
		iterations = append(iterations, it)
	}
	b.Iterations = iterations
	b.SelectedIterationIndex = ClampIndex(b.SelectedIterationIndex, len(iterations))
	return b
}
