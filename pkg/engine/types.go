package engine

// CreateRequest carries the caller-provided fields of a new execution.
type CreateRequest struct {
	// Identifier must be empty; identifiers are assigned on creation.
	Identifier         string         `json:"identifier,omitempty"`
	Name               string         `json:"name"`
	PipelineIdentifier string         `json:"pipelineIdentifier"`
	InputValues        map[string]any `json:"inputValues"`
	Timeout            *int64         `json:"timeout,omitempty"`
	StudyIdentifier    *string        `json:"studyIdentifier,omitempty"`
}

// UpdateRequest is a partial execution update. Identifier and Status are
// accepted only to be rejected.
type UpdateRequest struct {
	Identifier *string `json:"identifier,omitempty"`
	Status     *string `json:"status,omitempty"`
	Name       *string `json:"name,omitempty"`
	Timeout    *int64  `json:"timeout,omitempty"`
}

// Path describes one output file of an execution.
type Path struct {
	PlatformPath         string `json:"platformPath"`
	LastModificationDate int64  `json:"lastModificationDate"`
	IsDirectory          bool   `json:"isDirectory"`
	Size                 int64  `json:"size"`
}

// ListOptions pages through a user's executions. Nil fields use defaults.
type ListOptions struct {
	Offset *int
	Limit  *int
}

// ReconcileReport summarises a reconciliation pass.
type ReconcileReport struct {
	Checked       int `json:"checked"`
	Untouched     int `json:"untouched"`
	MarkedUnknown int `json:"markedUnknown"`
	Orphans       int `json:"orphans"`
}
