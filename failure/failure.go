// Package failure classifies the errors that end an ingest run.
package failure

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Unknown Kind = iota
	Fetch
	Decompress
	Connection
	Schema
	CopyProtocol
	Commit
	Resource
	Merge
)

var kindNames = map[Kind]string{
	Unknown:      "unknown",
	Fetch:        "fetch",
	Decompress:   "decompress",
	Connection:   "connection",
	Schema:       "schema",
	CopyProtocol: "copy_protocol",
	Commit:       "commit",
	Resource:     "resource",
	Merge:        "merge",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure. Op says what was being attempted.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

func New(kind Kind, err error, format string, args ...any) error {
	return &Error{Kind: kind, Op: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}
