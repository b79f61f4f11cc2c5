package models

// ErrorKind classifies step failures for retry decisions. Kinds are stable
// strings: they appear in event rows and in playbook retry_on lists.
type ErrorKind string

// Step failure kinds.
const (
	KindInputValidation  ErrorKind = "input_validation"
	KindToolExecution    ErrorKind = "tool_execution"
	KindTaskTimeout      ErrorKind = "task_timeout"
	KindTaskLost         ErrorKind = "task_lost"
	KindBrokerDown       ErrorKind = "broker_unavailable"
	KindResultStoreDown  ErrorKind = "result_store_unavailable"
	KindCredential       ErrorKind = "credential_failure"
	KindCredentialSchema ErrorKind = "credential_schema"
	KindLeaseConflict    ErrorKind = "lease_conflict"
	KindUnsupportedTool  ErrorKind = "unsupported_tool"
)

// Retryable reports whether failures of this kind may be re-dispatched by
// default. Validation, credential, schema, and unsupported-tool failures are
// deterministic; a retry would fail identically. A playbook's retry_on list
// can still opt a kind in explicitly.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindInputValidation, KindCredential, KindCredentialSchema, KindUnsupportedTool:
		return false
	}
	return true
}
