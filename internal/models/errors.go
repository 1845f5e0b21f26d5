package models

import (
	"errors"
	"fmt"
)

const (
	CodeConfigInvalid            = "CONFIG_INVALID"
	CodeUnresolvedMessage        = "UNRESOLVED_MESSAGE"
	CodeChannelUnavailable       = "CHANNEL_UNAVAILABLE"
	CodeDeliveryTransientFailure = "DELIVERY_TRANSIENT_FAILURE"
	CodeEscalationExhausted      = "ESCALATION_EXHAUSTED"
	CodeNotFound                 = "NOT_FOUND"
)

var (
	ErrConfigInvalid            = errors.New("config invalid")
	ErrUnresolvedMessage        = errors.New("unresolved message")
	ErrChannelUnavailable       = errors.New("channel unavailable")
	ErrDeliveryTransientFailure = errors.New("delivery transient failure")
	ErrEscalationExhausted      = errors.New("escalation exhausted")
	ErrNotFound                 = errors.New("not found")
)

var codeSentinels = map[string]error{
	CodeConfigInvalid:            ErrConfigInvalid,
	CodeUnresolvedMessage:        ErrUnresolvedMessage,
	CodeChannelUnavailable:       ErrChannelUnavailable,
	CodeDeliveryTransientFailure: ErrDeliveryTransientFailure,
	CodeEscalationExhausted:      ErrEscalationExhausted,
	CodeNotFound:                 ErrNotFound,
}

// Error carries a reason code alongside the taxonomy sentinel so callers can
// use errors.Is(err, ErrChannelUnavailable) and still surface the details.
type Error struct {
	Code    string
	Message string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Code + ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	out := []error{}
	if s, ok := codeSentinels[e.Code]; ok {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func NewError(code string, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// ConfigInvalid builds a CONFIG_INVALID error listing every problem found.
func ConfigInvalid(problems []string) *Error {
	msg := "configuration rejected"
	if len(problems) == 1 {
		msg = problems[0]
	}
	return &Error{Code: CodeConfigInvalid, Message: msg, Details: problems}
}

// CodeOf returns the reason code of err, or "" when err carries none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	for code, s := range codeSentinels {
		if errors.Is(err, s) {
			return code
		}
	}
	return ""
}

// DetailsOf returns the detail lines attached to err, if any.
func DetailsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}
