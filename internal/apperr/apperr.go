// Package apperr defines the error kinds shared by every layer of the file
// pipeline. Callers branch on the kind, never on message text.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure for retry policy and for the HTTP surface.
type Kind string

const (
	KindValidationFailed   Kind = "validation_failed"
	KindSecurityThreat     Kind = "security_threat_detected"
	KindEncryptionFailed   Kind = "encryption_failed"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindNotFound           Kind = "not_found"
	KindInvalidState       Kind = "invalid_state"
	KindJobExhausted       Kind = "job_exhausted"
	KindInternal           Kind = "internal"
)

// Sentinels usable with errors.Is.
var (
	ErrValidationFailed   = &Error{Kind: KindValidationFailed}
	ErrSecurityThreat     = &Error{Kind: KindSecurityThreat}
	ErrEncryptionFailed   = &Error{Kind: KindEncryptionFailed}
	ErrStorageUnavailable = &Error{Kind: KindStorageUnavailable}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrJobExhausted       = &Error{Kind: KindJobExhausted}
)

// Error carries a kind, the operation that failed and, for user-correctable
// failures, every reason found.
type Error struct {
	Kind    Kind
	Op      string
	Reasons []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if len(e.Reasons) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Reasons, "; "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels compare by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an error of the given kind with itemized reasons.
func New(kind Kind, op string, reasons ...string) *Error {
	return &Error{Kind: kind, Op: op, Reasons: reasons}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a single formatted reason.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Reasons: []string{fmt.Sprintf(format, args...)}}
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonsOf collects reasons from every *Error in the chain.
func ReasonsOf(err error) []string {
	var out []string
	for err != nil {
		if e, ok := err.(*Error); ok {
			out = append(out, e.Reasons...)
		}
		err = errors.Unwrap(err)
	}
	return out
}

// Retryable reports whether a caller may retry the failed operation.
func Retryable(err error) bool {
	return KindOf(err) == KindStorageUnavailable
}
