package msgsync

import "errors"

// Operation-level failures. They are returned to the caller wrapped with
// context and leave the Controller in its prior well-defined state.
var (
	ErrFetchFailed   = errors.New("fetch failed")
	ErrSendFailed    = errors.New("send failed")
	ErrArchiveFailed = errors.New("archive failed")
)

// Per-item failures. These are logged and never abort a batch.
var (
	ErrMalformedTimestamp    = errors.New("malformed timestamp")
	ErrMalformedMessage      = errors.New("malformed message")
	ErrDirectoryLookupFailed = errors.New("directory lookup failed")
)

// Precondition failures.
var (
	ErrNotActive    = errors.New("no active thread")
	ErrEmptyMessage = errors.New("message has no content or attachments")
	ErrSuperseded   = errors.New("superseded by a newer selection")
	ErrClosed       = errors.New("controller closed")
)
