package model

import (
	"encoding/json"
	"sort"
	"strings"
)

// Channel event kinds, scoped per thread as "<thread_id>/<kind>"
const (
	EventStatusUpdate  = "status_update"
	EventTopicApproval = "topic_approval"
	EventWebApproval   = "web_approval"
	EventFileGenerated = "file_generated"
	EventTopicResponse = "topic_response"
	EventWebResponse   = "web_response"
)

// InboundEvents are the kinds the agent emits towards the studio
var InboundEvents = []string{
	EventStatusUpdate, EventTopicApproval, EventWebApproval, EventFileGenerated,
}

// Topic approval categories
const (
	CategoryWorklet      = "worklet"
	CategoryLink         = "link"
	CategoryCustomPrompt = "custom_prompt"
	CategoryCustom       = "custom"
)

var ValidCategories = []string{CategoryWorklet, CategoryLink, CategoryCustomPrompt, CategoryCustom}

// EventName builds the thread-scoped event name
func EventName(threadID, kind string) string {
	return threadID + "/" + kind
}

// SplitEventName is the inverse of EventName
func SplitEventName(name string) (threadID, kind string, ok bool) {
	idx := strings.LastIndex(name, "/")
	if idx <= 0 || idx == len(name)-1 {
		return "", "", false
	}
	return name[:idx], name[idx+1:], true
}

// Envelope is the frame exchanged over the event channel
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Categories maps an approval category to its proposed values
type Categories map[string][]string

// Flatten returns every non-blank value across categories in category order
func (c Categories) Flatten() []string {
	var out []string
	seen := make(map[string]bool, len(c))
	for _, category := range ValidCategories {
		seen[category] = true
		for _, v := range c[category] {
			if strings.TrimSpace(v) != "" {
				out = append(out, v)
			}
		}
	}
	extra := make([]string, 0, len(c))
	for category := range c {
		if !seen[category] {
			extra = append(extra, category)
		}
	}
	sort.Strings(extra)
	for _, category := range extra {
		for _, v := range c[category] {
			if strings.TrimSpace(v) != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

// DomainsKeywords is the topic set proposed by the agent and echoed back on approval
type DomainsKeywords struct {
	Domains  Categories `json:"domains"`
	Keywords Categories `json:"keywords"`
}

// StatusUpdatePayload carries one progress line
type StatusUpdatePayload struct {
	Message string `json:"message"`
}

// TopicApprovalPayload asks the user to confirm domains and keywords
type TopicApprovalPayload struct {
	Domains  Categories `json:"domains"`
	Keywords Categories `json:"keywords"`
	Message  string     `json:"message,omitempty"`
}

// WebApprovalPayload asks the user to confirm web search queries
type WebApprovalPayload struct {
	Queries []string `json:"queries"`
}

// WebResponsePayload carries the approved queries
type WebResponsePayload struct {
	Queries []string `json:"queries"`
}

// FileGeneratedPayload carries one worklet in any supported shape
type FileGeneratedPayload struct {
	Worklet json.RawMessage `json:"worklet"`
}
