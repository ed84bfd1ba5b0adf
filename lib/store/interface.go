package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/rKV/lib/db"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// DBFactory is a function type that creates a new db used by the store.
// This is used to abstract the creation of the db from the store implementation.
type DBFactory func() db.KVDB

// IStore is the transaction engine contract.
// Execute always returns one result per submitted operation, in submission order,
// even when it also returns an error.
type IStore interface {
	// Execute runs a request. A request consisting of exactly one read is served as a range lookup,
	// every other request is lowered into one atomic batch of primitive operations.
	Execute(ctx context.Context, ops []Operation) (results []OperationResult, err error)
	// Scan returns every complete record of a profile, ordered by id.
	Scan(ctx context.Context, profile int) (records []Record, err error)
	// GetDBInfo returns metadata about the database underlying the store.
	// It is not guaranteed that all fields are filled in or that the information is up-to-date!
	GetDBInfo() (info db.DatabaseInfo, err error)
	// Close closes the underlying database.
	Close() (err error)
}

// --------------------------------------------------------------------------
// Data Model
// --------------------------------------------------------------------------

// Record is the logical unit of data: a fixed number of numeric and string attributes
// identified by (Profile, ID).
type Record struct {
	Profile int      `json:"profile"`
	ID      int      `json:"id"`
	Numbers []int    `json:"numbers"`
	Strings []string `json:"strings"`
}

// String renders the record for diagnostics
func (r Record) String() string {
	return fmt.Sprintf("%d/%d %v %q", r.Profile, r.ID, r.Numbers, r.Strings)
}

// OperationType is the kind of logical operation
type OperationType uint8

const (
	OpTRead OperationType = iota + 1
	OpTWrite
	OpTDelete
)

func (t OperationType) String() string {
	switch t {
	case OpTRead:
		return "read"
	case OpTWrite:
		return "write"
	case OpTDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Operation is one logical operation of a request. For reads and deletes only
// Record.Profile and Record.ID are used.
type Operation struct {
	Type   OperationType `json:"type"`
	Record Record        `json:"record"`
}

// NewRead creates a read operation
func NewRead(profile, id int) Operation {
	return Operation{Type: OpTRead, Record: Record{Profile: profile, ID: id}}
}

// NewWrite creates a write operation for a full record
func NewWrite(profile, id int, numbers []int, strings []string) Operation {
	return Operation{Type: OpTWrite, Record: Record{Profile: profile, ID: id, Numbers: numbers, Strings: strings}}
}

// NewDelete creates a delete operation
func NewDelete(profile, id int) Operation {
	return Operation{Type: OpTDelete, Record: Record{Profile: profile, ID: id}}
}

// OperationResult is the outcome of one operation. Only successful reads carry data.
type OperationResult struct {
	Success bool    `json:"success"`
	Data    *Record `json:"data,omitempty"`
}

// FailedResults returns n unsuccessful results
func FailedResults(n int) []OperationResult {
	return make([]OperationResult, n)
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rKV error (code %s): %s", e.Code, e.Msg)
}

// Is reports whether target is an *Error with the same code,
// so errors.Is(err, store.ErrCode(store.RetCCanceled)) works across wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Errorf creates a new Error with a formatted message
func Errorf(code RetCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// ErrCode returns a comparison target for errors.Is
func ErrCode(code RetCode) error {
	return &Error{Code: code}
}

// CodeOf extracts the return code of err. Errors that are not *Error map to RetCInternalError.
func CodeOf(err error) RetCode {
	if err == nil {
		return RetCSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return RetCInternalError
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Command executed successfully.
	RetCInternalError                       // 1: Command failed due to an internal error.
	RetCUnsupportedOperation                // 2: Operation is not supported by underlying database.
	RetCInvalidOperation                    // 3: Invalid operation.
	RetCRetriesExhausted                    // 4: Transient faults persisted past the retry budget.
	RetCCanceled                            // 5: The context was canceled or timed out.
	RetCCorruption                          // 6: Stored data could not be decoded.
	RetCMigrationConflict                   // 7: A migration for the profile is already in flight.
	RetCUnknownProfile                      // 8: The profile is not registered.
	RetCNotMigrating                        // 9: No matching migration is in flight.
	RetCAlreadyOwner                        // 10: The requester already owns the profile.
	RetCTransferFailed                      // 11: A transfer failed before the source deleted anything.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCRetriesExhausted:
		return "RetriesExhausted"
	case RetCCanceled:
		return "Canceled"
	case RetCCorruption:
		return "Corruption"
	case RetCMigrationConflict:
		return "MigrationConflict"
	case RetCUnknownProfile:
		return "UnknownProfile"
	case RetCNotMigrating:
		return "NotMigrating"
	case RetCAlreadyOwner:
		return "AlreadyOwner"
	case RetCTransferFailed:
		return "TransferFailed"
	default:
		return "Unknown"
	}
}
