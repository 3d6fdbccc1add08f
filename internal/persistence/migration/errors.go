package migration

import (
	"errors"
	"fmt"
)

// Migration-specific error types for different failure scenarios
var (
	// ErrOutOfOrder indicates a pending migration sorts below the highest applied version
	ErrOutOfOrder = errors.New("migration out of order")

	// ErrTransformDomain indicates a column transform met a value outside its declared domain
	ErrTransformDomain = errors.New("value outside transform domain")

	// ErrTransactionFailed indicates that the store rejected the migration transaction
	ErrTransactionFailed = errors.New("migration transaction failed")

	// ErrLedgerInconsistent indicates that the ledger and the actual schema disagree
	ErrLedgerInconsistent = errors.New("migration ledger inconsistent with schema")

	// ErrInvalidMigrationFile indicates that a migration file is malformed or invalid
	ErrInvalidMigrationFile = errors.New("invalid migration file format")

	// ErrInvalidVersion indicates that a migration version is invalid or malformed
	ErrInvalidVersion = errors.New("invalid migration version")

	// ErrDuplicateVersion indicates that multiple migrations have the same version
	ErrDuplicateVersion = errors.New("duplicate migration version")

	// ErrUnsortedSource indicates the migration source was not handed over in ascending order
	ErrUnsortedSource = errors.New("migration source not sorted by version")

	// ErrUnknownTarget indicates a revert or migrate target that names no known migration
	ErrUnknownTarget = errors.New("unknown migration target")

	// ErrIrreversible indicates a migration without a down step
	ErrIrreversible = errors.New("migration is irreversible")

	// ErrChecksumMismatch indicates an applied migration whose source changed afterwards
	ErrChecksumMismatch = errors.New("migration checksum mismatch")

	// ErrInvalidTableName indicates a ledger table name that is not a plain identifier
	ErrInvalidTableName = errors.New("invalid ledger table name")
)

// MigrationError wraps migration-specific errors with additional context
type MigrationError struct {
	Version   string    // Migration version that caused the error
	Name      string    // Migration name
	Direction Direction // Direction of the run
	Operation string    // Operation being performed (apply, revert, record, ...)
	Err       error     // Underlying error
}

// Error implements the error interface
func (e *MigrationError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("migration %s (%s) %s: %s: %v", e.Version, e.Name, e.Direction, e.Operation, e.Err)
	}
	return fmt.Sprintf("migration error: %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error unwrapping
func (e *MigrationError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches a target error
func (e *MigrationError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewMigrationError creates a new MigrationError with context
func NewMigrationError(m Migration, direction Direction, operation string, err error) *MigrationError {
	return &MigrationError{
		Version:   m.Version,
		Name:      m.Name,
		Direction: direction,
		Operation: operation,
		Err:       err,
	}
}

// OutOfOrderError reports a migration discovered after a higher version was applied.
type OutOfOrderError struct {
	Version        string
	HighestApplied string
}

// Error implements the error interface
func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("%v: migration %s is lower than highest applied version %s", ErrOutOfOrder, e.Version, e.HighestApplied)
}

// Unwrap returns ErrOutOfOrder
func (e *OutOfOrderError) Unwrap() error {
	return ErrOutOfOrder
}

// TransformDomainError reports a row value that a column transform cannot map.
type TransformDomainError struct {
	Table     string
	Column    string
	Key       any
	Value     any
	Direction Direction
	Reason    string
}

// Error implements the error interface
func (e *TransformDomainError) Error() string {
	return fmt.Sprintf("%v: %s.%s row %v value %v (%s): %s", ErrTransformDomain, e.Table, e.Column, e.Key, e.Value, e.Direction, e.Reason)
}

// Unwrap returns ErrTransformDomain
func (e *TransformDomainError) Unwrap() error {
	return ErrTransformDomain
}

// LedgerInconsistencyError reports a ledger entry that does not match the schema or the source.
type LedgerInconsistencyError struct {
	Version string
	Reason  string
	Err     error
}

// Error implements the error interface
func (e *LedgerInconsistencyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: version %s: %s: %v", ErrLedgerInconsistent, e.Version, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v: version %s: %s", ErrLedgerInconsistent, e.Version, e.Reason)
}

// Unwrap returns ErrLedgerInconsistent and the underlying cause, if any
func (e *LedgerInconsistencyError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrLedgerInconsistent, e.Err}
	}
	return []error{ErrLedgerInconsistent}
}

// FileSystemError wraps file system related errors during migration operations
type FileSystemError struct {
	Path      string // File or directory path
	Operation string // File operation (read, scan, etc.)
	Err       error  // Underlying error
}

// Error implements the error interface
func (e *FileSystemError) Error() string {
	return fmt.Sprintf("filesystem error during %s of %s: %v", e.Operation, e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *FileSystemError) Unwrap() error {
	return e.Err
}

// NewFileSystemError creates a new FileSystemError
func NewFileSystemError(path, operation string, err error) *FileSystemError {
	return &FileSystemError{
		Path:      path,
		Operation: operation,
		Err:       err,
	}
}

// DatabaseError wraps database-related errors during ledger operations
type DatabaseError struct {
	Version   string // Migration version (if applicable)
	Query     string // SQL query that failed (if applicable)
	Operation string // Database operation (execute, query, etc.)
	Err       error  // Underlying error
}

// Error implements the error interface
func (e *DatabaseError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("database error in migration %s during %s: %v", e.Version, e.Operation, e.Err)
	}
	return fmt.Sprintf("database error during %s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error
func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// NewDatabaseError creates a new DatabaseError
func NewDatabaseError(version, query, operation string, err error) *DatabaseError {
	return &DatabaseError{
		Version:   version,
		Query:     query,
		Operation: operation,
		Err:       err,
	}
}

// ErrorKind maps engine errors to a stable logging label.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrOutOfOrder):
		return "out_of_order"
	case errors.Is(err, ErrTransformDomain):
		return "transform_domain"
	case errors.Is(err, ErrLedgerInconsistent):
		return "ledger_inconsistent"
	case errors.Is(err, ErrTransactionFailed):
		return "transaction_failed"
	case errors.Is(err, ErrInvalidVersion),
		errors.Is(err, ErrDuplicateVersion),
		errors.Is(err, ErrUnsortedSource),
		errors.Is(err, ErrUnknownTarget),
		errors.Is(err, ErrInvalidMigrationFile),
		errors.Is(err, ErrInvalidTableName):
		return "configuration"
	case errors.Is(err, ErrIrreversible):
		return "irreversible"
	}
	return "unexpected"
}
