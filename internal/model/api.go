package model

import "encoding/json"

// IterateFieldRequest asks for a new candidate of one field
type IterateFieldRequest struct {
	WorkletID          string   `json:"worklet_id" validate:"required"`
	WorkletIterationID string   `json:"worklet_iteration_id" validate:"required"`
	Field              FieldKey `json:"field" validate:"required,oneof=title problem_statement description challenge_use_case deliverables kpis prerequisites infrastructure_requirements tech_stack milestones"`
	Index              int      `json:"index" validate:"min=0"`
	Prompt             string   `json:"prompt" validate:"required,min=1,max=2000"`
}

// IterateFieldResponse carries the updated candidate list of the field.
// Iterations stays raw because its element shape depends on the field kind.
type IterateFieldResponse struct {
	WorkletID          string          `json:"worklet_id"`
	WorkletIterationID string          `json:"worklet_iteration_id"`
	Field              FieldKey        `json:"field"`
	SelectedIndex      int             `json:"selected_index"`
	Iterations         json.RawMessage `json:"iterations"`
}

// SelectFieldRequest points a field at an existing candidate
type SelectFieldRequest struct {
	WorkletID          string   `json:"worklet_id" validate:"required"`
	WorkletIterationID string   `json:"worklet_iteration_id" validate:"required"`
	Field              FieldKey `json:"field" validate:"required,oneof=title problem_statement description challenge_use_case deliverables kpis prerequisites infrastructure_requirements tech_stack milestones"`
	SelectedIndex      int      `json:"selected_index" validate:"min=0"`
}

// SelectFieldResponse acknowledges a field selection
type SelectFieldResponse struct {
	Success            bool     `json:"success"`
	WorkletID          string   `json:"worklet_id"`
	WorkletIterationID string   `json:"worklet_iteration_id"`
	Field              FieldKey `json:"field"`
	SelectedIndex      int      `json:"selected_index"`
}

// EnhanceWorkletRequest asks for a whole new iteration seeded from an existing one
type EnhanceWorkletRequest struct {
	WorkletID          string `json:"worklet_id" validate:"required"`
	WorkletIterationID string `json:"worklet_iteration_id" validate:"required"`
	Prompt             string `json:"prompt" validate:"required,min=1,max=2000"`
}

// EnhanceWorkletResponse carries the new iteration, in any supported shape
type EnhanceWorkletResponse struct {
	WorkletID              string          `json:"worklet_id"`
	SelectedIterationIndex int             `json:"selected_iteration_index"`
	Iteration              json.RawMessage `json:"iteration"`
}

// SelectIterationRequest makes an iteration the default of its bundle
type SelectIterationRequest struct {
	WorkletID          string `json:"worklet_id" validate:"required"`
	WorkletIterationID string `json:"worklet_iteration_id" validate:"required"`
}

// SelectIterationResponse acknowledges the new default iteration
type SelectIterationResponse struct {
	Success                bool   `json:"success"`
	WorkletID              string `json:"worklet_id"`
	SelectedIterationIndex int    `json:"selected_iteration_index"`
}

// GenerateResponse is returned by the creation call once the pipeline finished
type GenerateResponse struct {
	ThreadID     string            `json:"thread_id"`
	Worklets     []json.RawMessage `json:"worklets"`
	WorkletCount int               `json:"worklet_count"`
}

// DeleteThreadResponse acknowledges a thread deletion
type DeleteThreadResponse struct {
	Success  bool   `json:"success"`
	ThreadID string `json:"thread_id"`
}

// HealthResponse is returned by the health endpoint
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
