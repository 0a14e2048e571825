package crm

import "fmt"

// Pipeline is a named sequence of deal stages.
type Pipeline struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Address is a deal's property address as stored in the CRM.
type Address struct {
	Line       string `json:"line"`
	City       string `json:"city"`
	Region     string `json:"region"`
	PostalCode string `json:"postal_code"`
}

// Deal is one deal in a pipeline. Fields holds custom field values keyed by
// field key.
type Deal struct {
	ID         string         `json:"id"`
	PipelineID string         `json:"pipeline_id"`
	Title      string         `json:"title"`
	Address    *Address       `json:"address,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Field is a custom deal field definition.
type Field struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Field types.
const (
	FieldTypeMonetary = "monetary"
	FieldTypeText     = "text"
)

// APIError is a non-2xx response from the CRM.
type APIError struct {
	StatusCode int    `json:"-"`
	Method     string `json:"-"`
	Path       string `json:"-"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("crm: %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("crm: %s %s returned %d", e.Method, e.Path, e.StatusCode)
}
