package beacon

import "errors"

var (
	// ErrNotFound is returned by Storage.Load when the key has never been saved.
	ErrNotFound = errors.New("beacon storage key not found")
	// ErrStorageRequired indicates that a nil Storage was provided.
	ErrStorageRequired = errors.New("beacon storage is required")
	// ErrAppKeyRequired is returned when the client is configured without an app key.
	ErrAppKeyRequired = errors.New("beacon app key is required")
	// ErrServerURLRequired is returned when the client is configured without a server URL.
	ErrServerURLRequired = errors.New("beacon server url is required")
	// ErrInvalidServerURL is returned when the server URL cannot be parsed as an absolute URL.
	ErrInvalidServerURL = errors.New("beacon server url is invalid")
	// ErrEmptyRequest is returned when an empty request string is appended to the queue.
	ErrEmptyRequest = errors.New("beacon request is empty")
	// ErrInvalidRequest is returned when a request string cannot be parsed.
	ErrInvalidRequest = errors.New("beacon request is malformed")
	// ErrEmptyDeviceID is returned when an identity without an id is persisted.
	ErrEmptyDeviceID = errors.New("beacon device id must not be empty")
	// ErrInvalidTemporaryID is returned when a temporary identity does not carry the sentinel id.
	ErrInvalidTemporaryID = errors.New("beacon temporary identity must use the temporary device id")
	// ErrIdentityNotResolved is returned when an operation needs a device identity before one exists.
	ErrIdentityNotResolved = errors.New("beacon device identity is not resolved")
	// ErrUnknownSchemaVersion is returned when the persisted schema is newer than this build understands.
	ErrUnknownSchemaVersion = errors.New("beacon schema version is newer than supported")
	// ErrSessionEnded is returned when a request is recorded on a session that already ended.
	ErrSessionEnded = errors.New("beacon session already ended")
	// ErrWorkerRunning is returned when Run is called while another Run is active.
	ErrWorkerRunning = errors.New("beacon worker is already running")
	// ErrWorkerPanic indicates a recovered panic inside a delivery pass.
	ErrWorkerPanic = errors.New("beacon worker panic")
)
