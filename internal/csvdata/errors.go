package csvdata

import "github.com/go-faster/errors"

var (
	// ErrMalformedInput means the bytes are not well-formed delimited text
	// or a typed column could not be parsed.
	ErrMalformedInput = errors.New("malformed input")
	// ErrMissingKeyColumn means no code value could be resolved.
	ErrMissingKeyColumn = errors.New("missing key column")
	// ErrEmptyResult means decoding produced zero data rows.
	ErrEmptyResult = errors.New("empty result")
	// ErrPersistenceFailure wraps store errors other than duplicate keys.
	ErrPersistenceFailure = errors.New("persistence failure")
	// ErrDuplicateEntry means the store already holds the key.
	ErrDuplicateEntry = errors.New("duplicate entry")
	// ErrNotFound means no record matched a lookup.
	ErrNotFound = errors.New("not found")
)

// Code is the machine-readable failure code carried in relay replies and
// HTTP error bodies.
type Code string

const (
	CodeMalformedInput     Code = "MALFORMED_INPUT"
	CodeMissingKeyColumn   Code = "MISSING_KEY_COLUMN"
	CodeEmptyResult        Code = "EMPTY_RESULT"
	CodePersistenceFailure Code = "PERSISTENCE_FAILURE"
	CodeDuplicateEntry     Code = "DUPLICATE_ENTRY"
	CodeNotFound           Code = "NOT_FOUND"
	CodeInvalidFormat      Code = "INVALID_FORMAT"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// CodeOf classifies err against the taxonomy. Unknown errors are INTERNAL_ERROR.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateEntry):
		return CodeDuplicateEntry
	case errors.Is(err, ErrMalformedInput):
		return CodeMalformedInput
	case errors.Is(err, ErrMissingKeyColumn):
		return CodeMissingKeyColumn
	case errors.Is(err, ErrEmptyResult):
		return CodeEmptyResult
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrPersistenceFailure):
		return CodePersistenceFailure
	default:
		return CodeInternal
	}
}

// UserError reports whether c is caused by the uploaded content rather than
// the infrastructure. User errors are never worth retrying.
func (c Code) UserError() bool {
	switch c {
	case CodeMalformedInput, CodeMissingKeyColumn, CodeEmptyResult, CodeInvalidFormat:
		return true
	}
	return false
}

// PersistenceError wraps a store failure so that it matches
// ErrPersistenceFailure while keeping the driver error reachable.
type PersistenceError struct {
	Op  string
	Err error
}

// WrapPersistence returns nil for a nil err.
func WrapPersistence(err error, op string) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

func (e *PersistenceError) Error() string {
	return ErrPersistenceFailure.Error() + ": " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistenceFailure }
