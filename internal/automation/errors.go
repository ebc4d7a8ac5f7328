package automation

import "errors"

var (
	ErrNotFound           = errors.New("automation not found")
	ErrEnrollmentNotFound = errors.New("enrollment not found")
	ErrStepNotFound       = errors.New("automation step not found")
	ErrInactive           = errors.New("automation is not active")
	ErrUnknownTrigger     = errors.New("no handler registered for trigger")
)
