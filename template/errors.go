package template

import (
	"fmt"

	"github.com/ruteri/fleet-provisioning-backend/interfaces"
)

// TemplateEvaluationError reports the resource declaration that failed to resolve.
// It matches both interfaces.ErrTemplateEvaluation and the underlying cause
// with errors.Is.
type TemplateEvaluationError struct {
	Resource string
	Err      error
}

func (e *TemplateEvaluationError) Error() string {
	return fmt.Sprintf("%v: resource %s: %v", interfaces.ErrTemplateEvaluation, e.Resource, e.Err)
}

func (e *TemplateEvaluationError) Unwrap() []error {
	return []error{interfaces.ErrTemplateEvaluation, e.Err}
}
