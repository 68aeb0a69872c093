package models

import "errors"

// Error taxonomy surfaced to callers. Unknown and inaccessible sessions
// both map to ErrNotFound so one user cannot probe for another's ids.
var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrValidation        = errors.New("invalid request parameters")
)

// MaxErrorMsgLen bounds the stored failure reason.
const MaxErrorMsgLen = 200

// TruncateError caps a failure reason at MaxErrorMsgLen characters.
func TruncateError(msg string) string {
	runes := []rune(msg)
	if len(runes) <= MaxErrorMsgLen {
		return msg
	}
	return string(runes[:MaxErrorMsgLen])
}
