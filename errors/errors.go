// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package errors implements the error type used throughout the library.
// Errors carry an interpretable kind so that callers can distinguish,
// say, an authentication failure on decrypt from a transport failure
// talking to the key service. Errors can be chained, attributing one
// error to another; the full chain is rendered by Error.
package errors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
)

// Separator is inserted between chained errors when rendering
// an error message.
var Separator = ":\n\t"

// Kind defines the type of error. Kinds are semantically meaningful
// and may be interpreted by the receiver of an error.
type Kind int

const (
	// Other indicates an unknown error.
	Other Kind = iota
	// Credentials indicates missing or non-viable API credentials.
	Credentials
	// Transport indicates an HTTP or network failure.
	Transport
	// Kms indicates that the key service returned a non-2xx status.
	Kms
	// BadHeader indicates a malformed unstructured ciphertext header.
	BadHeader
	// AuthFailure indicates an authentication-tag mismatch on decrypt.
	AuthFailure
	// DatasetInvalid indicates a missing or unusable dataset definition.
	DatasetInvalid
	// InputInvalid indicates caller input outside the dataset's domain:
	// a character not in the alphabet, a length outside bounds, a bad
	// tweak or radix.
	InputInvalid
	// FF1Overflow indicates that a radix conversion needed more
	// characters than the format allows.
	FF1Overflow
	// State indicates misuse of the piecewise API.
	State
	// Unwrap indicates that a wrapped data key could not be unwrapped.
	Unwrap
	// Canceled indicates a context cancellation.
	Canceled

	maxKind
)

var kinds = map[Kind]string{
	Other:          "unknown error",
	Credentials:    "invalid credentials",
	Transport:      "transport error",
	Kms:            "key service error",
	BadHeader:      "malformed ciphertext header",
	AuthFailure:    "authentication failed",
	DatasetInvalid: "invalid dataset",
	InputInvalid:   "invalid input",
	FF1Overflow:    "radix conversion overflow",
	State:          "invalid state",
	Unwrap:         "key unwrap failed",
	Canceled:       "operation was canceled",
}

// String returns a human-readable explanation of the error kind k.
func (k Kind) String() string {
	return kinds[k]
}

// Error is the standard error type, carrying a kind (error code),
// a message, and potentially an underlying error. Errors should be
// constructed by errors.E, which interprets arguments according to
// a set of rules.
type Error struct {
	// Kind is the error's type.
	Kind Kind
	// Message is an optional error message associated with this error.
	Message string
	// Err is the error that caused this error, if any. Errors form
	// chains through Err; the full chain is printed by Error().
	Err error
}

// E constructs a new error from the provided arguments. It is meant
// as a convenient way to construct, annotate, and wrap errors.
//
// Arguments are interpreted according to their types:
//
//   - Kind: sets the Error's kind
//   - string: sets the Error's message; multiple strings are
//     separated by a single space
//   - *Error: copies the error and sets the error's cause
//   - error: sets the Error's cause
//
// If a kind is not provided but an underlying *Error is, the returned
// error inherits that error's kind. If the underlying error is
// context.Canceled, the kind is set to Canceled.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("no args")
	}
	e := new(Error)
	var msg strings.Builder
	for _, arg := range args {
		switch arg := arg.(type) {
		case Kind:
			e.Kind = arg
		case string:
			if msg.Len() > 0 {
				msg.WriteString(" ")
			}
			msg.WriteString(arg)
		case *Error:
			errCopy := *arg
			if len(args) == 1 {
				return &errCopy
			}
			e.Err = &errCopy
		case error:
			e.Err = arg
		default:
			return &Error{
				Kind:    Other,
				Message: fmt.Sprintf("unknown type %T, value %v in error call", arg, arg),
			}
		}
	}
	e.Message = msg.String()
	if e.Err == nil {
		return e
	}
	switch prev := e.Err.(type) {
	case *Error:
		if prev.Kind == e.Kind || e.Kind == Other {
			e.Kind = prev.Kind
			prev.Kind = Other
		}
	default:
		if e.Kind == Other && errors.Is(e.Err, context.Canceled) {
			e.Kind = Canceled
		}
	}
	return e
}

// Recover recovers any error into an *Error. If the passed-in error is
// already an *Error, it is simply returned; otherwise it is wrapped.
func Recover(err error) *Error {
	if err == nil {
		return nil
	}
	if err, ok := err.(*Error); ok {
		return err
	}
	return E(err).(*Error)
}

// Error returns a human readable string describing this error,
// using the separator defined by errors.Separator.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b bytes.Buffer
	e.writeError(&b)
	return b.String()
}

func (e *Error) writeError(b *bytes.Buffer) {
	if e.Message != "" {
		pad(b, ": ")
		b.WriteString(e.Message)
	}
	if e.Kind != Other {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Err == nil {
		return
	}
	if err, ok := e.Err.(*Error); ok {
		pad(b, Separator)
		b.WriteString(err.Error())
	} else {
		pad(b, ": ")
		b.WriteString(e.Err.Error())
	}
}

// Unwrap returns the cause of this error, if any, making Error
// compatible with the standard library's errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is tells whether an error has a specified kind, except for the
// indeterminate kind Other. In the case an error has kind Other, the
// chain is traversed until a non-Other error is encountered.
func Is(kind Kind, err error) bool {
	if err == nil {
		return false
	}
	return is(kind, Recover(err))
}

func is(kind Kind, e *Error) bool {
	if e.Kind != Other {
		return e.Kind == kind
	}
	if e.Err != nil {
		if e2, ok := e.Err.(*Error); ok {
			return is(kind, e2)
		}
	}
	return false
}

// Match tells whether every nonempty field in err1 matches the
// corresponding fields in err2. The comparison recurses on chained
// errors. Match is designed to aid in testing errors.
func Match(err1, err2 error) bool {
	var (
		e1 = Recover(err1)
		e2 = Recover(err2)
	)
	if e1.Kind != Other && e1.Kind != e2.Kind {
		return false
	}
	if e1.Message != "" && e1.Message != e2.Message {
		return false
	}
	if e1.Err != nil {
		if e2.Err == nil {
			return false
		}
		switch e1.Err.(type) {
		case *Error:
			return Match(e1.Err, e2.Err)
		default:
			return e1.Err.Error() == e2.Err.Error()
		}
	}
	return true
}

// New is synonymous with errors.New, and is provided here so that
// users need only import one errors package.
func New(msg string) error {
	return errors.New(msg)
}

func pad(b *bytes.Buffer, s string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(s)
}
