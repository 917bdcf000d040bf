package chatsync

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyMessage is returned by Send for blank text.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrSignedOut is returned by user actions that need an identity.
	ErrSignedOut = errors.New("not signed in")
	// ErrNoSession is returned by a SessionRestorer with nothing to restore.
	ErrNoSession = errors.New("no stored session")
	// ErrUnknownConversation is returned when a conversation is not in the roster.
	ErrUnknownConversation = errors.New("unknown conversation")
	// ErrNotFound is returned by the backend client for 404 responses.
	ErrNotFound = errors.New("not found")
)

// APIError is a non-2xx backend response.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("server error: %d", e.StatusCode)
	}
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Detail)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == 404
}
