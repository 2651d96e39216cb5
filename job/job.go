// Package job defines the request and result types exchanged with the serverless
// platform and the error kinds a job can fail with.
package job

import (
	"errors"
	"fmt"
	"strings"
)

// Operation selects the workflow template a job runs.
type Operation string

const (
	OperationImageGen Operation = "image_gen"
	OperationFaceSwap Operation = "face_swap"
)

// Operations lists every supported operation.
var Operations = []Operation{OperationImageGen, OperationFaceSwap}

func (o Operation) Valid() bool {
	for _, op := range Operations {
		if op == o {
			return true
		}
	}
	return false
}

const (
	fieldOperation    = "operation"
	fieldWorkflowType = "workflow_type"
)

// Request is a validated job payload: the operation plus its raw parameters.
type Request struct {
	ID        string
	Operation Operation
	Params    map[string]interface{}
}

// ParseRequest reads the operation from the platform input. The operation field may be
// named "operation" or "workflow_type". Every other key is passed through as a parameter.
func ParseRequest(id string, input map[string]interface{}) (*Request, error) {
	if input == nil {
		return nil, NewValidationError("missing job input")
	}

	raw, ok := input[fieldOperation]
	if !ok {
		raw, ok = input[fieldWorkflowType]
	}
	if !ok || raw == nil {
		return nil, NewValidationError("missing required field: workflow_type")
	}
	name, ok := raw.(string)
	if !ok || strings.TrimSpace(name) == "" {
		return nil, NewValidationError("missing required field: workflow_type")
	}

	op := Operation(name)
	if !op.Valid() {
		return nil, NewValidationError("invalid workflow_type '%s'. Must be one of: %s", name, operationList())
	}

	params := make(map[string]interface{}, len(input))
	for k, v := range input {
		if k == fieldOperation || k == fieldWorkflowType {
			continue
		}
		params[k] = v
	}

	return &Request{ID: id, Operation: op, Params: params}, nil
}

func operationList() string {
	names := make([]string, len(Operations))
	for i, op := range Operations {
		names[i] = string(op)
	}
	return fmt.Sprintf("[%s]", strings.Join(names, ", "))
}

// Status is the terminal status of a job.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Result is the terminal value returned to the caller. It is never mutated after creation.
type Result struct {
	Status      Status    `json:"status"`
	JobID       string    `json:"job_id,omitempty"`
	Operation   Operation `json:"workflow_type,omitempty"`
	ArtifactURL string    `json:"artifact_url,omitempty"`
	OutputURLs  []string  `json:"output_urls,omitempty"`
	Error       string    `json:"error,omitempty"`
	ErrorKind   Kind      `json:"error_kind,omitempty"`
}

// Succeeded builds a success result. urls must hold at least one entry.
func Succeeded(id string, op Operation, urls []string) Result {
	r := Result{
		Status:     StatusSuccess,
		JobID:      id,
		Operation:  op,
		OutputURLs: urls,
	}
	if len(urls) > 0 {
		r.ArtifactURL = urls[0]
	}
	return r
}

// Failed builds a failure result from any error. Job errors keep their kind and message;
// other errors are reported as engine errors.
func Failed(id string, op Operation, err error) Result {
	r := Result{
		Status:    StatusFailure,
		JobID:     id,
		Operation: op,
		Error:     err.Error(),
		ErrorKind: KindEngine,
	}
	var jerr *Error
	if errors.As(err, &jerr) {
		r.Error = jerr.Detail()
		r.ErrorKind = jerr.Kind
	}
	return r
}

func (r Result) Success() bool {
	return r.Status == StatusSuccess
}
