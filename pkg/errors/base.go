package errors

import (
	"fmt"
	"strings"
)

/*
Error collects several independent failures into one value, as a broadcast
to many sessions produces. Strings passed to NewError are kept as context
lines and printed after the errors.
*/
type Error struct {
	Errs []error
	Msgs []any
}

/*
NewError builds an Error from a mix of errors and strings. Nil errors are
skipped, and NewError returns nil when no error was collected.
*/
func NewError(errs ...any) error {
	err := &Error{}

	for _, msg := range errs {
		switch v := msg.(type) {
		case error:
			if v != nil {
				err.Errs = append(err.Errs, v)
			}
		case string:
			err.Msgs = append(err.Msgs, v)
		}
	}

	if len(err.Errs) == 0 {
		return nil
	}

	return err
}

func (err *Error) Error() string {
	builder := &strings.Builder{}

	for idx, e := range err.Errs {
		if idx > 0 {
			builder.WriteString("\n")
		}

		builder.WriteString(e.Error())
	}

	for _, msg := range err.Msgs {
		builder.WriteString(fmt.Sprintf("\n%v", msg))
	}

	return builder.String()
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (err *Error) Unwrap() []error {
	return err.Errs
}
