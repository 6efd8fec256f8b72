// Package accounts implements the directory-backed user and mailing list
// repositories of the admin console.
package accounts

import (
	"fmt"
	"regexp"

	"github.com/mailad/mailadmin/internal/directory"
)

// Directory is the subset of the directory client the repositories need.
// Satisfied by *directory.Client; tests substitute a fake.
type Directory interface {
	Search(req directory.SearchRequest) ([]directory.Entry, error)
	Add(dn string, attrs []directory.Attribute) error
	SetAttributes(dn string, attrs map[string][]string) error
	SetAttribute(dn, name string, values ...string) error
	AddValue(dn, attr, value string) error
	RemoveValue(dn, attr, value string) error
	Remove(dn string) error
	GetMembers(groupDN string) ([]directory.Entry, error)
}

// ValidationError reports malformed or missing input. It is raised before any
// directory round trip happens.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

var emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// validEmail reports whether s is a plausible mail address.
func validEmail(s string) bool {
	return emailRegex.MatchString(s)
}
