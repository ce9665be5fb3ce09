package errors

import "fmt"

// Config errors

type ErrConfigNotFound struct {
	Path string
}

func (e *ErrConfigNotFound) Error() string {
	return fmt.Sprintf("config file not found: %s", e.Path)
}

type ErrConfigParse struct {
	Err error
}

func (e *ErrConfigParse) Error() string {
	return fmt.Sprintf("failed to parse YAML: %v", e.Err)
}

func (e *ErrConfigParse) Unwrap() error {
	return e.Err
}

type ErrConfigValidation struct {
	Err error
}

func (e *ErrConfigValidation) Error() string {
	return fmt.Sprintf("config validation failed: %v", e.Err)
}

func (e *ErrConfigValidation) Unwrap() error {
	return e.Err
}

// Database errors

type ErrDatabaseOpen struct {
	Path string
	Err  error
}

func (e *ErrDatabaseOpen) Error() string {
	return fmt.Sprintf("failed to open database %s: %v", e.Path, e.Err)
}

func (e *ErrDatabaseOpen) Unwrap() error {
	return e.Err
}

type ErrDatabaseMigration struct {
	Version int
	Err     error
}

func (e *ErrDatabaseMigration) Error() string {
	return fmt.Sprintf("database migration %d failed: %v", e.Version, e.Err)
}

func (e *ErrDatabaseMigration) Unwrap() error {
	return e.Err
}

type ErrDatabaseQuery struct {
	Operation string
	Err       error
}

func (e *ErrDatabaseQuery) Error() string {
	return fmt.Sprintf("database query failed for operation %s: %v", e.Operation, e.Err)
}

func (e *ErrDatabaseQuery) Unwrap() error {
	return e.Err
}

// Quota processing errors

// ErrGraceParse is returned when a grace string from the quota source matches
// none of the known forms. The enclosing aggregation pass must abort.
type ErrGraceParse struct {
	Value string
}

func (e *ErrGraceParse) Error() string {
	return fmt.Sprintf("unrecognized grace string %q", e.Value)
}

// ErrFilesetLookup is returned when a quota row references a fileset id that
// is absent from the fileset metadata of its filesystem.
type ErrFilesetLookup struct {
	Filesystem string
	FilesetID  string
}

func (e *ErrFilesetLookup) Error() string {
	return fmt.Sprintf("fileset %s not found on filesystem %s", e.FilesetID, e.Filesystem)
}

type ErrRawQuota struct {
	Field string
	Value string
	Err   error
}

func (e *ErrRawQuota) Error() string {
	return fmt.Sprintf("invalid raw quota field %s=%q: %v", e.Field, e.Value, e.Err)
}

func (e *ErrRawQuota) Unwrap() error {
	return e.Err
}

// ErrRemotePush is returned when a batch could not be stored by the usage API.
type ErrRemotePush struct {
	Bucket string
	Kind   string
	Status int
	Err    error
}

func (e *ErrRemotePush) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("push of %s usage to %s failed with status %d: %v", e.Kind, e.Bucket, e.Status, e.Err)
	}
	return fmt.Sprintf("push of %s usage to %s failed: %v", e.Kind, e.Bucket, e.Err)
}

func (e *ErrRemotePush) Unwrap() error {
	return e.Err
}

// ErrCacheIO wraps failures to load or persist a notification cache.
type ErrCacheIO struct {
	Cache string
	Op    string
	Err   error
}

func (e *ErrCacheIO) Error() string {
	return fmt.Sprintf("notification cache %s: %s failed: %v", e.Cache, e.Op, e.Err)
}

func (e *ErrCacheIO) Unwrap() error {
	return e.Err
}

// ErrStorageRun attributes a failure to the storage, filesystem and owner kind
// being processed when it happened.
type ErrStorageRun struct {
	Storage    string
	Filesystem string
	Kind       string
	Err        error
}

func (e *ErrStorageRun) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("storage %s (filesystem %s): %v", e.Storage, e.Filesystem, e.Err)
	}
	return fmt.Sprintf("storage %s (filesystem %s, %s quota): %v", e.Storage, e.Filesystem, e.Kind, e.Err)
}

func (e *ErrStorageRun) Unwrap() error {
	return e.Err
}

type ErrRunLocked struct {
	Path string
}

func (e *ErrRunLocked) Error() string {
	return fmt.Sprintf("another run holds the lock %s", e.Path)
}

type ErrCommand struct {
	Command string
	Err     error
}

func (e *ErrCommand) Error() string {
	return fmt.Sprintf("command %s failed: %v", e.Command, e.Err)
}

func (e *ErrCommand) Unwrap() error {
	return e.Err
}

// Server errors

type ErrServerStart struct {
	Addr string
	Err  error
}

func (e *ErrServerStart) Error() string {
	return fmt.Sprintf("failed to start server on %s: %v", e.Addr, e.Err)
}

func (e *ErrServerStart) Unwrap() error {
	return e.Err
}

type ErrServerShutdown struct {
	Err error
}

func (e *ErrServerShutdown) Error() string {
	return fmt.Sprintf("server shutdown failed: %v", e.Err)
}

func (e *ErrServerShutdown) Unwrap() error {
	return e.Err
}

// Filesystem errors

type ErrDirectoryCreate struct {
	Path string
	Err  error
}

func (e *ErrDirectoryCreate) Error() string {
	return fmt.Sprintf("failed to create directory %s: %v", e.Path, e.Err)
}

func (e *ErrDirectoryCreate) Unwrap() error {
	return e.Err
}

type ErrFileRead struct {
	Path string
	Err  error
}

func (e *ErrFileRead) Error() string {
	return fmt.Sprintf("failed to read file %s: %v", e.Path, e.Err)
}

func (e *ErrFileRead) Unwrap() error {
	return e.Err
}

type ErrFileWrite struct {
	Path string
	Err  error
}

func (e *ErrFileWrite) Error() string {
	return fmt.Sprintf("failed to write file %s: %v", e.Path, e.Err)
}

func (e *ErrFileWrite) Unwrap() error {
	return e.Err
}
