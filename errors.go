package dispatch

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"
)

// ErrorKind identifies why a call failed.
type ErrorKind string

const (
	KindUnknownController ErrorKind = "unknown_controller"
	KindUnknownAction      ErrorKind = "unknown_action"
	KindMissingGeneric     ErrorKind = "missing_generic"
	KindValidation         ErrorKind = "validation_error"
	KindInvocation         ErrorKind = "invocation_error"
	KindStream             ErrorKind = "stream_error"
	KindControl            ErrorKind = "control_error"
	KindInternal           ErrorKind = "internal"
)

// DispatchError is the dispatcher's own error type. Controller methods
// are free to return ordinary errors too; ErrorEncoder maps whatever it
// receives to a WireError.
type DispatchError struct {
	Kind     ErrorKind
	Message  string
	Failures []ValidationFailure
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewDispatchError builds a DispatchError with a formatted message.
func NewDispatchError(kind ErrorKind, format string, args ...any) *DispatchError {
	return &DispatchError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ErrorEncoder maps any failure surfaced during handling into the wire
// error body. Controller and handler-level errors never escape the
// Invoker; this is the single point where they become frames.
type ErrorEncoder struct {
	// Transform lets callers override classification for application
	// error types before the default mapping runs. Returning nil falls
	// through to the default.
	Transform func(err error) *WireError
}

// NewErrorEncoder builds an ErrorEncoder with default classification only.
func NewErrorEncoder() *ErrorEncoder {
	return &ErrorEncoder{}
}

// Encode maps err to a WireError, consulting Transform first.
func (e *ErrorEncoder) Encode(err error) *WireError {
	if err == nil {
		return nil
	}
	if e.Transform != nil {
		if we := e.Transform(err); we != nil {
			return we
		}
	}
	return DefaultErrorTransform(err)
}

// DefaultErrorTransform maps standard Go errors, validator failures and
// DispatchErrors to a WireError, mirroring the teacher's
// DefaultErrorTransformer.
func DefaultErrorTransform(err error) *WireError {
	if err == nil {
		return nil
	}

	var de *DispatchError
	if errors.As(err, &de) {
		return &WireError{
			ClassType: string(de.Kind),
			Message:   de.Message,
			Failures:  de.Failures,
		}
	}

	var valErrs validator.ValidationErrors
	if errors.As(err, &valErrs) {
		failures := make([]ValidationFailure, 0, len(valErrs))
		for _, ve := range valErrs {
			failures = append(failures, ValidationFailure{
				Path:    ve.Field(),
				Code:    ve.Tag(),
				Message: ve.Error(),
			})
		}
		return &WireError{
			ClassType: string(KindValidation),
			Message:   "validation failed",
			Failures:  failures,
		}
	}

	return &WireError{
		ClassType: reflect.TypeOf(err).String(),
		Message:   err.Error(),
	}
}
