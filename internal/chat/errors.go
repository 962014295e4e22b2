package chat

import "errors"

var (
	// ErrNotFound is returned for unknown conversation, message or job ids.
	ErrNotFound = errors.New("not found")
	// ErrConfiguration means the model's provider cannot be used, usually
	// because its credential is missing.
	ErrConfiguration  = errors.New("provider not configured")
	ErrInvalidRequest = errors.New("invalid request")
)
