// Package fault classifies failures so callers can branch on what went wrong
// instead of matching error strings.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind tags the class of a failure.
type Kind int

const (
	// KindOK is reported for a nil error.
	KindOK Kind = iota
	// KindNotFound means a requested item does not exist; Candidates lists what does.
	KindNotFound
	// KindIntegrity means content did not hash to its expected digest.
	KindIntegrity
	// KindTransient means a retryable I/O problem such as a network hiccup or lock contention.
	KindTransient
	// KindSchema means an upstream document is missing required structure.
	KindSchema
	// KindUnknown is reported for errors that carry no tag.
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindNotFound:
		return "not-found"
	case KindIntegrity:
		return "integrity"
	case KindTransient:
		return "transient"
	case KindSchema:
		return "schema-violation"
	default:
		return "unknown"
	}
}

// Error is a tagged failure.
type Error struct {
	Kind Kind
	Op   string

	// What names the missing item for KindNotFound.
	What       string
	Candidates []string

	// Expected and Actual carry digests for KindIntegrity.
	Expected string
	Actual   string

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch e.Kind {
	case KindNotFound:
		fmt.Fprintf(&b, "%s not found", e.What)
		if len(e.Candidates) > 0 {
			fmt.Fprintf(&b, ". Available: %s", strings.Join(e.Candidates, ", "))
		}
		if e.Err != nil {
			fmt.Fprintf(&b, " (%v)", e.Err)
		}
	case KindIntegrity:
		fmt.Fprintf(&b, "hash mismatch: expected %s, got %s", e.Expected, e.Actual)
	default:
		if e.Err != nil {
			b.WriteString(e.Err.Error())
		} else {
			b.WriteString(e.Kind.String())
		}
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NotFound reports that what is absent, listing the valid alternatives.
func NotFound(op, what string, candidates []string) *Error {
	return &Error{Kind: KindNotFound, Op: op, What: what, Candidates: append([]string(nil), candidates...)}
}

// Integrity reports a digest mismatch.
func Integrity(op, expected, actual string) *Error {
	return &Error{Kind: KindIntegrity, Op: op, Expected: expected, Actual: actual}
}

// Transient wraps a retryable cause.
func Transient(op string, cause error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: cause}
}

// Schema wraps a malformed-document cause.
func Schema(op string, cause error) *Error {
	return &Error{Kind: KindSchema, Op: op, Err: cause}
}

// Schemaf is Schema with a formatted cause.
func Schemaf(op, format string, args ...any) *Error {
	return Schema(op, fmt.Errorf(format, args...))
}

// KindOf returns the tag of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindOK
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
