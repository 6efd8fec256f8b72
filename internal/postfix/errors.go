package postfix

import "fmt"

// NotFoundError reports a key that does not exist in a map file.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("entry %q not found", e.Key) }

// AlreadyExistsError reports a duplicate primary key in a map file.
type AlreadyExistsError struct {
	Key string
}

func (e *AlreadyExistsError) Error() string { return fmt.Sprintf("entry %q already exists", e.Key) }

// ValidationError reports malformed input. It is raised before the file is
// touched.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}
