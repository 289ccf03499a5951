package model

// Thread represents one generation request and its accumulated worklets
type Thread struct {
	ThreadID     string          `json:"thread_id"`
	ThreadName   string          `json:"thread_name"`
	ClusterID    string          `json:"cluster_id"`
	CustomPrompt string          `json:"custom_prompt,omitempty"`
	Links        []string        `json:"links"`
	Files        []string        `json:"files"`
	Count        int             `json:"count"`
	Generated    bool            `json:"generated"`
	CreatedAt    string          `json:"created_at"`
	Worklets     []WorkletBundle `json:"worklets"`
	Local        bool            `json:"local,omitempty"` // created optimistically, not yet confirmed
}

// ProgressMessage is one status line streamed by the agent
type ProgressMessage struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

// Attachment is an uploaded file carried by the creation call
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"-"`
}

// GenerateForm is the user input behind a creation call
type GenerateForm struct {
	ThreadName   string       `json:"thread_name" validate:"required,min=1,max=200"`
	ClusterID    string       `json:"cluster_id" validate:"required"`
	CustomPrompt string       `json:"custom_prompt" validate:"omitempty,max=4000"`
	Links        []string     `json:"links" validate:"omitempty,max=20,dive,url"`
	Count        int          `json:"count" validate:"required,min=1,max=10"`
	Files        []Attachment `json:"files" validate:"omitempty,max=10"`
}

// Filenames returns the names of the attached files
func (f GenerateForm) Filenames() []string {
	names := make([]string, 0, len(f.Files))
	for _, file := range f.Files {
		names = append(names, file.Filename)
	}
	return names
}

// Clone returns a deep copy of the form so a failed submission can restore it untouched
func (f GenerateForm) Clone() GenerateForm {
	out := f
	out.Links = append([]string(nil), f.Links...)
	out.Files = make([]Attachment, len(f.Files))
	for i, file := range f.Files {
		file.Data = append([]byte(nil), file.Data...)
		out.Files[i] = file
	}
	return out
}

// Cluster is the owning group of threads
type Cluster struct {
	ClusterID   string `json:"cluster_id"`
	ClusterName string `json:"cluster_name"`
	CreatedAt   string `json:"created_at"`
}
