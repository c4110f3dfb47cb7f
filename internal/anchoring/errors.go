package anchoring

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/rapidverify/backend/internal/records"
)

// ErrNotFound is returned when no record exists for an identifier.
var ErrNotFound = records.ErrNotFound

var (
	errMissingStore = errors.New("record store is required")
	errMissingModes = errors.New("mode controller is required")
)

// ValidationError rejects a request before any fingerprinting or storage.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ServiceError carries a stable code of the form "<operation>.<reason>".
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "anchoring.service.new"
	opAnchor        = "anchoring.anchor"
	opGetByID       = "anchoring.get_by_id"
	opVerifyContent = "anchoring.verify_content"
	opFindByContent = "anchoring.find_by_content"
	opList          = "anchoring.list"
	opStatus        = "anchoring.status"
	opReconcile     = "anchoring.reconcile"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
