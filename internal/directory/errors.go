package directory

import (
	"errors"
	"fmt"

	"github.com/go-ldap/ldap/v3"
)

// Kind classifies a directory failure so callers can branch on it without
// matching message text.
type Kind int

const (
	KindOther Kind = iota
	KindNotFound
	KindAmbiguous
	KindAlreadyExists
	KindPermissionDenied
	KindInvalidScope
	KindConstraint
	KindNotLeaf
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAmbiguous:
		return "ambiguous result"
	case KindAlreadyExists:
		return "already exists"
	case KindPermissionDenied:
		return "permission denied"
	case KindInvalidScope:
		return "invalid scope"
	case KindConstraint:
		return "constraint violation"
	case KindNotLeaf:
		return "entry has children"
	default:
		return "directory error"
	}
}

// Error wraps an LDAP failure with its classified kind and the operation that
// produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("directory %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("directory %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classified kind of err, or KindOther for anything that is
// not a directory error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindOther
}

// IsNotFound reports whether err is a directory not-found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// translate maps an LDAP result code onto a tagged Error. addOp marks
// operations where a no-such-object result means the parent container is
// missing rather than the target entry.
func translate(op string, err error, addOp bool) error {
	if err == nil {
		return nil
	}
	kind := KindOther
	switch {
	case ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject):
		if addOp {
			kind = KindInvalidScope
		} else {
			kind = KindNotFound
		}
	case ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists),
		ldap.IsErrorWithCode(err, ldap.LDAPResultAttributeOrValueExists):
		kind = KindAlreadyExists
	case ldap.IsErrorWithCode(err, ldap.LDAPResultInsufficientAccessRights),
		ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials):
		kind = KindPermissionDenied
	case ldap.IsErrorWithCode(err, ldap.LDAPResultConstraintViolation),
		ldap.IsErrorWithCode(err, ldap.LDAPResultUnwillingToPerform):
		kind = KindConstraint
	case ldap.IsErrorWithCode(err, ldap.LDAPResultNotAllowedOnNonLeaf):
		kind = KindNotLeaf
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
