package errors

import (
	stderrors "errors"
	"fmt"
)

// Codes carried by KilnError.
const (
	CodeStepLimit    = "STEP_LIMIT"
	CodeCollaborator = "COLLABORATOR"
	CodeNameInUse    = "NAME_IN_USE"
	CodeCancelled    = "CANCELLED"
	CodeConfig       = "CONFIG"
	CodeWorkspace    = "WORKSPACE"
)

type KilnError struct {
	Code    string
	Message string
	Err     error
}

func (e *KilnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s - %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *KilnError) Unwrap() error {
	return e.Err
}

// Is matches another KilnError by code, so sentinels built with New can be
// compared against wrapped instances with errors.Is.
func (e *KilnError) Is(target error) bool {
	t, ok := target.(*KilnError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func New(code, message string) *KilnError {
	return &KilnError{Code: code, Message: message}
}

func Wrap(err error, code, message string) *KilnError {
	return &KilnError{Code: code, Message: message, Err: err}
}

// HasCode reports whether err, or anything it wraps, is a KilnError with code.
func HasCode(err error, code string) bool {
	var ke *KilnError
	for err != nil {
		if !stderrors.As(err, &ke) {
			return false
		}
		if ke.Code == code {
			return true
		}
		err = ke.Err
	}
	return false
}
