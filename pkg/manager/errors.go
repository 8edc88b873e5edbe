package manager

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError is a rejected value of a request
type ValidationError struct {
	Attribute string `json:"attribute"`
	Message   string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Attribute == "" {
		return e.Message
	}
	return fmt.Sprintf("[%s] %s", e.Attribute, e.Message)
}

// ValidationErrors collects every problem found with a request so they can
// be reported together
type ValidationErrors []ValidationError

// Add records a problem with attr
func (v *ValidationErrors) Add(attr, message string) {
	*v = append(*v, ValidationError{Attribute: attr, Message: message})
}

// Addf records a formatted problem with attr
func (v *ValidationErrors) Addf(attr, format string, args ...any) {
	v.Add(attr, fmt.Sprintf(format, args...))
}

// Check returns the collected errors, or nil when there are none
func (v ValidationErrors) Check() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// IsValidationError reports whether err carries validation errors
func IsValidationError(err error) bool {
	var v ValidationErrors
	return errors.As(err, &v)
}

// usageList renders up to three names of the objects using another one
func usageList(names []string) string {
	if len(names) > 3 {
		return strings.Join(names[:3], ",") + ",..."
	}
	return strings.Join(names, ",")
}
