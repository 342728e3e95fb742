package errors

import (
	"encoding/json"
	"net/http"
)

const problemTypeBase = "https://api.pincex.io/problems/"

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	TraceID  string                 `json:"trace_id,omitempty"`
	Errors   []FieldError           `json:"errors,omitempty"`
	Extra    map[string]interface{} `json:"-"`
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return p.Detail
}

// WithTraceID adds a trace ID to the problem details
func (p *ProblemDetails) WithTraceID(traceID string) *ProblemDetails {
	p.TraceID = traceID
	return p
}

// WithExtra adds extra fields to the problem details (they will be serialized at the top level)
func (p *ProblemDetails) WithExtra(key string, value interface{}) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]interface{})
	}
	p.Extra[key] = value
	return p
}

// MarshalJSON implements custom JSON marshaling to include extra fields at the top level
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{})
	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	if p.TraceID != "" {
		result["trace_id"] = p.TraceID
	}
	if len(p.Errors) > 0 {
		result["errors"] = p.Errors
	}
	for k, v := range p.Extra {
		result[k] = v
	}
	return json.Marshal(result)
}

// ProblemFor maps any error to a problem document. Dispatch failures carry
// the unfilled remainder as an extension member.
func ProblemFor(err error, instance string) *ProblemDetails {
	var e *Error
	if !As(err, &e) {
		return &ProblemDetails{
			Type:     problemTypeBase + "internal",
			Title:    http.StatusText(http.StatusInternalServerError),
			Status:   http.StatusInternalServerError,
			Detail:   err.Error(),
			Instance: instance,
		}
	}
	p := &ProblemDetails{
		Type:     problemTypeBase + e.Kind,
		Title:    e.Kind,
		Status:   e.Status(),
		Detail:   e.Message,
		Instance: instance,
		Errors:   e.Fields,
	}
	if remaining, ok := RemainingOf(err); ok {
		p.WithExtra("remaining", remaining)
	}
	return p
}
