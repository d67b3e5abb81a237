// Package function holds the per-experiment function registry: the closed
// table of callables an experiment exposes, their signatures, and the
// dynamic argument binding applied before every invocation.
package function

import (
	"context"
	"fmt"
)

// Param types accepted in descriptors. The empty type and TypeAny skip
// checking.
const (
	TypeAny     = "any"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeString  = "string"
	TypeBool    = "bool"
	TypeArray   = "array"
	TypeObject  = "object"
)

// PrivatePrefix marks names that are never exported from a module.
const PrivatePrefix = "_"

// Param describes one declared parameter.
type Param struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required"`
	Default  any    `json:"default"`
}

// Descriptor is the discoverable signature of a callable.
type Descriptor struct {
	Name       string  `json:"name"`
	Params     []Param `json:"params"`
	Variadic   bool    `json:"variadic,omitempty"`
	ReturnHint string  `json:"return_hint,omitempty"`
	Doc        string  `json:"doc,omitempty"`
	Module     string  `json:"module"`
}

// Func runs a callable with already-bound positional arguments.
type Func func(ctx context.Context, args []any) (any, error)

// Entry pairs a descriptor with its implementation.
type Entry struct {
	Descriptor
	Func Func
}

// StaticModule is a compiled-in module: a fixed, ordered list of entries.
type StaticModule struct {
	Name    string
	Entries []Entry
}

// Loader turns one source file into entries. Each loader owns a single file
// extension, including the dot (".lua").
type Loader interface {
	Ext() string
	Load(path string) ([]Entry, error)
}

// RaisedError is an error raised by a callable, carrying the kind of failure
// alongside its message.
type RaisedError struct {
	Type    string
	Message string
}

func (e *RaisedError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

// Raise builds a RaisedError.
func Raise(kind, format string, args ...any) error {
	return &RaisedError{Type: kind, Message: fmt.Sprintf(format, args...)}
}

// ValidType reports whether t is a supported parameter type.
func ValidType(t string) bool {
	switch t {
	case "", TypeAny, TypeNumber, TypeInteger, TypeString, TypeBool, TypeArray, TypeObject:
		return true
	}
	return false
}
