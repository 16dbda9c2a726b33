package chat

import (
	"errors"
	"strings"
)

type ValidationIssue struct{ Field, Reason string }

type ValidationError struct{ Issues []ValidationIssue }

var ErrInvalidContract = errors.New("invalid contract")

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return ErrInvalidContract.Error()
	}
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, is.Field+": "+is.Reason)
	}
	return ErrInvalidContract.Error() + ": " + strings.Join(parts, "; ")
}
func (e *ValidationError) add(f, r string) {
	e.Issues = append(e.Issues, ValidationIssue{Field: f, Reason: r})
}
func (e *ValidationError) Is(target error) bool { return target == ErrInvalidContract }

// Validate checks the exclusive payload rule and the routing fields.
func (m *MessageV1) Validate() error {
	ve := &ValidationError{}

	if m.Sender == "" {
		ve.add("sender", "required")
	}
	if m.UserName == "" {
		ve.add("userName", "required")
	}
	hasText := strings.TrimSpace(m.Text) != ""
	hasImage := m.Image != ""
	switch {
	case hasText && hasImage:
		ve.add("text/image", "exactly one payload allowed")
	case !hasText && !hasImage:
		ve.add("text/image", "one of text or image is required")
	case hasImage && !IsDataURI(m.Image):
		ve.add("image", "must be a base64 data URI")
	}

	if len(ve.Issues) > 0 {
		return ve
	}
	return nil
}

func (l *LogoutV1) Validate() error {
	if l.UserName == "" {
		return &ValidationError{Issues: []ValidationIssue{{Field: "userName", Reason: "required"}}}
	}
	return nil
}
