package lcmstore

import (
	"errors"
	"fmt"
)

// Class tags the broad category of a store-level failure, mirroring the
// string-classification idiom used for LLM transport errors elsewhere in
// this codebase: a small closed enum the caller switches on, independent of
// the underlying driver's error type.
type Class string

const (
	ClassInput         Class = "input"
	ClassInvariant     Class = "invariant"
	ClassExternal      Class = "external"
	ClassAuthorization Class = "authorization"
	ClassMigration     Class = "migration"
)

// Error wraps a store failure with a stable class so callers can branch on
// category without string-matching the message.
type Error struct {
	Class Class
	Code  string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(class Class, code, msg string, cause error) *Error {
	return &Error{Class: class, Code: code, Msg: msg, Err: cause}
}

func InputErr(code, msg string, cause error) error         { return newErr(ClassInput, code, msg, cause) }
func InvariantErr(code, msg string, cause error) error     { return newErr(ClassInvariant, code, msg, cause) }
func ExternalErr(code, msg string, cause error) error      { return newErr(ClassExternal, code, msg, cause) }
func AuthorizationErr(code, msg string, cause error) error { return newErr(ClassAuthorization, code, msg, cause) }
func MigrationErr(code, msg string, cause error) error     { return newErr(ClassMigration, code, msg, cause) }

// ClassOf reports the Class of err if it (or something it wraps) is one of
// ours, and false otherwise.
func ClassOf(err error) (Class, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// Sentinel codes referenced by callers outside this package.
const (
	CodeDuplicateSeq           = "DUPLICATE_SEQ"
	CodeUnknownRole            = "UNKNOWN_ROLE"
	CodeImmutableMessage       = "IMMUTABLE_MESSAGE"
	CodeRestrictedDelete       = "RESTRICTED_DELETE"
	CodeCyclicSummaryEdge      = "CYCLIC_SUMMARY_EDGE"
	CodeCrossConversationEdge  = "CROSS_CONVERSATION_EDGE"
	CodeDepthMismatch          = "DEPTH_MISMATCH"
	CodeReconciliationConflict = "RECONCILIATION_CONFLICT"
	CodeSchemaChecksumMismatch = "SCHEMA_CHECKSUM_MISMATCH"
	CodeSchemaTooNew           = "SCHEMA_TOO_NEW"
)
