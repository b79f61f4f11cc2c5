package engine

import (
	"errors"
	"fmt"

	"github.com/noetl/noetl/pkg/broker"
	"github.com/noetl/noetl/pkg/keychain"
	"github.com/noetl/noetl/pkg/models"
	"github.com/noetl/noetl/pkg/resultstore"
)

// ErrorKind re-exports the shared failure taxonomy for engine-side use.
type ErrorKind = models.ErrorKind

// Failure kinds the engine raises directly.
const (
	KindInputValidation  = models.KindInputValidation
	KindToolExecution    = models.KindToolExecution
	KindTaskTimeout      = models.KindTaskTimeout
	KindTaskLost         = models.KindTaskLost
	KindBrokerDown       = models.KindBrokerDown
	KindResultStoreDown  = models.KindResultStoreDown
	KindCredential       = models.KindCredential
	KindCredentialSchema = models.KindCredentialSchema
	KindLeaseConflict    = models.KindLeaseConflict
	KindUnsupportedTool  = models.KindUnsupportedTool
)

// StepError is a classified step failure.
type StepError struct {
	Kind    ErrorKind
	Message string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewStepError builds a classified failure.
func NewStepError(kind ErrorKind, format string, args ...any) *StepError {
	return &StepError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Classify maps an arbitrary error to its failure kind. Already-classified
// errors keep their kind; infrastructure sentinels map to theirs; anything
// else counts as tool execution.
func Classify(err error) *StepError {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr
	}
	switch {
	case errors.Is(err, broker.ErrPayloadTooLarge):
		return &StepError{Kind: KindInputValidation, Message: err.Error()}
	case errors.Is(err, keychain.ErrCredentialSchema):
		return &StepError{Kind: KindCredentialSchema, Message: err.Error()}
	case errors.Is(err, keychain.ErrCredentialFailure):
		return &StepError{Kind: KindCredential, Message: err.Error()}
	case errors.Is(err, resultstore.ErrNotFound):
		return &StepError{Kind: KindResultStoreDown, Message: err.Error()}
	}
	return &StepError{Kind: KindToolExecution, Message: err.Error()}
}
