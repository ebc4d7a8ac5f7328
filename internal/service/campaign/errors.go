package campaign

import "errors"

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound          = errors.New("campaign not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrMissingList       = errors.New("campaign has no list or segment")
	ErrAlreadySending    = errors.New("campaign is already sending or sent")
	ErrNoRecipients      = errors.New("campaign resolved to zero recipients")
	ErrNotEditable       = errors.New("only draft campaigns can be edited")
	ErrScheduleInPast    = errors.New("scheduled time must be in the future")
	ErrSendInProgress    = errors.New("a send for this campaign is already being prepared")
	ErrNoTestEmails      = errors.New("no test email addresses given")
)
