package memory

import "errors"

var (
	// ErrNotFound is returned by Get when no record lives at the key.
	ErrNotFound = errors.New("memory record not found")
	// ErrKeyExists is returned by Insert when the key is already taken.
	ErrKeyExists = errors.New("memory key already exists")
	// ErrMissingAssistantID means no consolidation target is configured, so a
	// memory job cannot be addressed.
	ErrMissingAssistantID = errors.New("memory assistant ID is not configured")
	// ErrLeaseLost means a job claim expired and the job was requeued or
	// claimed again, so the old claim may no longer touch it.
	ErrLeaseLost = errors.New("memory job lease lost")
)
