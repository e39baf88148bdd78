package execution

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error codes surfaced by the operation engine
const (
	CodeCasFailed             = "CAS_FAILED"
	CodeOccupancyViolation    = "OCCUPANCY_VIOLATION"
	CodeVerificationFailed    = "VERIFICATION_FAILED"
	CodeRollbackIncomplete    = "ROLLBACK_INCOMPLETE"
	CodeSchemaVersionMismatch = "SCHEMA_VERSION_MISMATCH"
	CodeLockContention        = "LOCK_CONTENTION"
	CodeNotARepository        = "NOT_A_REPOSITORY"
	CodeOperationInFlight     = "OPERATION_IN_FLIGHT"
	CodeWrongWorktree         = "WRONG_WORKTREE"
	CodeNoOperation           = "NO_OPERATION"
	CodeNotPaused             = "NOT_PAUSED"
	CodeConflictUnresolved    = "CONFLICT_UNRESOLVED"
	CodeRemoteStepFailed      = "REMOTE_STEP_FAILED"
	CodeGateBlocked           = "GATE_BLOCKED"
	CodeGit                   = "GIT_FAILED"
)

// Error is a coded engine error with structured details
type Error struct {
	Code    string
	Message string
	Details map[string]interface{}
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Details[k])
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error { return e.Err }

// NewError creates a coded error
func NewError(code, message string, details map[string]interface{}) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// Wrap creates a coded error around a cause
func Wrap(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithDetail returns a copy of e with one more detail
func (e *Error) WithDetail(key string, value interface{}) *Error {
	c := *e
	c.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		c.Details[k] = v
	}
	c.Details[key] = value
	return &c
}

// CasFailure is the precise drift a CAS rejected
type CasFailure struct {
	Ref      string
	Expected string
	Actual   string
}

// CasFailed reports that ref no longer holds the value a step required
func CasFailed(refName, expected, actual string) *Error {
	return &Error{
		Code:    CodeCasFailed,
		Message: "repository changed since the operation was planned",
		Details: map[string]interface{}{
			"ref":      refName,
			"expected": orNone(expected),
			"actual":   orNone(actual),
		},
	}
}

// OccupancyViolation reports a touched branch checked out in another worktree
func OccupancyViolation(branch, worktree string) *Error {
	return &Error{
		Code:    CodeOccupancyViolation,
		Message: "branch is checked out in another worktree",
		Details: map[string]interface{}{"branch": branch, "worktree": worktree},
	}
}

// VerificationFailed reports post-apply structural problems
func VerificationFailed(problems []string) *Error {
	return &Error{
		Code:    CodeVerificationFailed,
		Message: "post-operation verification failed: " + strings.Join(problems, "; "),
		Details: map[string]interface{}{"problems": len(problems)},
	}
}

// RollbackIncomplete reports refs that could not be restored
func RollbackIncomplete(refs []string) *Error {
	return &Error{
		Code:    CodeRollbackIncomplete,
		Message: "rollback could not restore: " + strings.Join(refs, ", "),
		Details: map[string]interface{}{"refs": len(refs)},
	}
}

// SchemaVersionMismatch reports a paused plan written by an incompatible build
func SchemaVersionMismatch(stored, supported int) *Error {
	return &Error{
		Code:    CodeSchemaVersionMismatch,
		Message: "paused operation uses an incompatible plan schema",
		Details: map[string]interface{}{"stored": stored, "supported": supported},
	}
}

// LockContention reports that another process holds the repository lock
func LockContention(holder string, err error) *Error {
	return &Error{
		Code:    CodeLockContention,
		Message: "repository is locked by another lattice process",
		Details: map[string]interface{}{"holder": holder},
		Err:     err,
	}
}

// OperationInFlight reports an op-state marker blocking a new operation
func OperationInFlight(opID, command, phase string) *Error {
	return &Error{
		Code:    CodeOperationInFlight,
		Message: "another operation is in progress; run 'lattice continue' or 'lattice abort'",
		Details: map[string]interface{}{"op_id": opID, "command": command, "phase": phase},
	}
}

// WrongWorktree reports recovery attempted outside the originating worktree
func WrongWorktree(origin, current string) *Error {
	return &Error{
		Code:    CodeWrongWorktree,
		Message: "run this command from the worktree that started the operation",
		Details: map[string]interface{}{"origin": origin, "current": current},
	}
}

// ErrNoOperation reports continue/abort with nothing in flight
var ErrNoOperation = &Error{Code: CodeNoOperation, Message: "no operation in progress"}

// NotPaused reports continue on an interrupted (not paused) operation
func NotPaused(opID, phase string) *Error {
	return &Error{
		Code:    CodeNotPaused,
		Message: "operation was interrupted, not paused; run 'lattice abort'",
		Details: map[string]interface{}{"op_id": opID, "phase": phase},
	}
}

// ConflictUnresolved reports continue while the external conflict is still open
func ConflictUnresolved(operation string, err error) *Error {
	return &Error{
		Code:    CodeConflictUnresolved,
		Message: "resolve the conflict before continuing",
		Details: map[string]interface{}{"operation": operation},
		Err:     err,
	}
}

// RemoteStepFailed reports a remote-phase failure after the local commit
func RemoteStepFailed(step string, err error) *Error {
	return &Error{
		Code:    CodeRemoteStepFailed,
		Message: "remote step failed after local changes were committed: " + step,
		Err:     err,
	}
}

// NotARepository reports a working directory outside any repository
func NotARepository(path string, err error) *Error {
	return &Error{
		Code:    CodeNotARepository,
		Message: "not a git repository",
		Details: map[string]interface{}{"path": path},
		Err:     err,
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// CodeOf returns the code of the first *Error in err's chain
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func hasCode(err error, code string) bool { return CodeOf(err) == code }

// AsCasFailure extracts ref/expected/actual from a CAS error
func AsCasFailure(err error) (CasFailure, bool) {
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeCasFailed {
		return CasFailure{}, false
	}
	f := CasFailure{}
	f.Ref, _ = e.Details["ref"].(string)
	f.Expected, _ = e.Details["expected"].(string)
	f.Actual, _ = e.Details["actual"].(string)
	return f, true
}

// IsCasFailed checks if the error is a CAS precondition failure
func IsCasFailed(err error) bool { return hasCode(err, CodeCasFailed) }

// IsOccupancyViolation checks if the error is an occupancy violation
func IsOccupancyViolation(err error) bool { return hasCode(err, CodeOccupancyViolation) }

// IsVerificationFailed checks if the error is a verification failure
func IsVerificationFailed(err error) bool { return hasCode(err, CodeVerificationFailed) }

// IsRollbackIncomplete checks if the error is an incomplete rollback
func IsRollbackIncomplete(err error) bool { return hasCode(err, CodeRollbackIncomplete) }

// IsSchemaVersionMismatch checks if the error is a schema mismatch
func IsSchemaVersionMismatch(err error) bool { return hasCode(err, CodeSchemaVersionMismatch) }

// IsLockContention checks if the error is lock contention
func IsLockContention(err error) bool { return hasCode(err, CodeLockContention) }

// IsOperationInFlight checks if an op-state marker blocked the command
func IsOperationInFlight(err error) bool { return hasCode(err, CodeOperationInFlight) }

// IsWrongWorktree checks if recovery was attempted from another worktree
func IsWrongWorktree(err error) bool { return hasCode(err, CodeWrongWorktree) }

// IsNoOperation checks if there was nothing to recover
func IsNoOperation(err error) bool { return hasCode(err, CodeNoOperation) }

// IsRemoteStepFailed checks if a remote-phase step failed
func IsRemoteStepFailed(err error) bool { return hasCode(err, CodeRemoteStepFailed) }

// IsGateBlocked checks if the capability gate refused the command
func IsGateBlocked(err error) bool { return hasCode(err, CodeGateBlocked) }
