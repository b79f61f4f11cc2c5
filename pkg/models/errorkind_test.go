package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind_Retryable(t *testing.T) {
	retryable := []ErrorKind{
		KindToolExecution, KindTaskTimeout, KindTaskLost,
		KindBrokerDown, KindResultStoreDown, KindLeaseConflict,
	}
	for _, k := range retryable {
		assert.True(t, k.Retryable(), "%s should be retryable", k)
	}

	deterministic := []ErrorKind{
		KindInputValidation, KindCredential, KindCredentialSchema, KindUnsupportedTool,
	}
	for _, k := range deterministic {
		assert.False(t, k.Retryable(), "%s should not be retryable", k)
	}
}
