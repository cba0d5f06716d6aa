// Package validation defines the typed errors raised when a project file
// does not have the structure a framework grammar expects, and the
// sequential checklist used to validate a project.
package validation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation matches every error type in this package via errors.Is.
var ErrValidation = errors.New("validation failed")

// UnparsableSourceError reports a file that is not valid Python.
type UnparsableSourceError struct {
	Path   string
	Line   int // 1-based; 0 when unknown
	Column int
	Cause  error
}

func (e *UnparsableSourceError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "failed to parse %s", e.Path)
	if e.Line > 0 {
		fmt.Fprintf(&b, " (line %d, column %d)", e.Line, e.Column)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *UnparsableSourceError) Unwrap() error        { return e.Cause }
func (e *UnparsableSourceError) Is(target error) bool { return target == ErrValidation }

// AnchorKind distinguishes a missing anchor type from a missing anchor method.
type AnchorKind string

const (
	AnchorType   AnchorKind = "type"
	AnchorMethod AnchorKind = "method"
)

// MissingAnchorError reports a required structural anchor that was not found.
type MissingAnchorError struct {
	Framework string
	Path      string
	Kind      AnchorKind
	Construct string // e.g. "`@CrewBase` decorated class"
	Scope     string // enclosing type name, for methods
}

func (e *MissingAnchorError) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("%s: %s not found in `%s` class in %s", e.Framework, e.Construct, e.Scope, e.Path)
	}
	return fmt.Sprintf("%s: %s not found in %s", e.Framework, e.Construct, e.Path)
}

func (e *MissingAnchorError) Is(target error) bool { return target == ErrValidation }

// SignatureMismatchError reports an anchor method lacking a required parameter.
type SignatureMismatchError struct {
	Framework string
	Path      string
	Type      string
	Method    string
	Parameter string
}

func (e *SignatureMismatchError) Error() string {
	return fmt.Sprintf("%s: method `%s` of `%s` must accept `%s` as an argument in %s",
		e.Framework, e.Method, e.Type, e.Parameter, e.Path)
}

func (e *SignatureMismatchError) Is(target error) bool { return target == ErrValidation }

// NoMarkedMembersError reports that no member carries a required marker.
type NoMarkedMembersError struct {
	Framework string
	Path      string
	Type      string
	Marker    string
	Hint      string
}

func (e *NoMarkedMembersError) Error() string {
	msg := fmt.Sprintf("%s: `@%s` decorated method not found in `%s` class in %s", e.Framework, e.Marker, e.Type, e.Path)
	if e.Hint != "" {
		msg += "\n" + e.Hint
	}
	return msg
}

func (e *NoMarkedMembersError) Is(target error) bool { return target == ErrValidation }

// UnknownMemberError reports an operation targeting a named agent, task or
// tool reference that does not exist.
type UnknownMemberError struct {
	Framework string
	Path      string
	Kind      string // "agent", "task", "tool"
	Name      string
	Scope     string // optional, e.g. the agent a tool was expected on
}

func (e *UnknownMemberError) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("%s: %s `%s` not found on `%s` in %s", e.Framework, e.Kind, e.Name, e.Scope, e.Path)
	}
	return fmt.Sprintf("%s: %s `%s` does not exist in %s", e.Framework, e.Kind, e.Name, e.Path)
}

func (e *UnknownMemberError) Is(target error) bool { return target == ErrValidation }

// MissingCallOrArgumentError reports that the call or argument holding a tool
// list does not have the expected shape.
type MissingCallOrArgumentError struct {
	Framework string
	Path      string
	Method    string
	Construct string // e.g. "`Agent` call", "`tools` keyword argument"
	Detail    string // e.g. "is not a list literal"
}

func (e *MissingCallOrArgumentError) Error() string {
	detail := e.Detail
	if detail == "" {
		detail = "not found"
	}
	return fmt.Sprintf("%s: %s %s in method `%s` in %s", e.Framework, e.Construct, detail, e.Method, e.Path)
}

func (e *MissingCallOrArgumentError) Is(target error) bool { return target == ErrValidation }

// UnsupportedProviderError reports a model provider with no implementation
// class registered for a framework.
type UnsupportedProviderError struct {
	Framework string
	Provider  string
	Supported []string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("%s provider %q has not been implemented; supported providers: %s",
		e.Framework, e.Provider, strings.Join(e.Supported, ", "))
}

func (e *UnsupportedProviderError) Is(target error) bool { return target == ErrValidation }

// UnsupportedOperationError reports an operation a grammar does not implement.
type UnsupportedOperationError struct {
	Framework string
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s does not support %s", e.Framework, e.Operation)
}

func (e *UnsupportedOperationError) Is(target error) bool { return target == ErrValidation }

// UnknownFrameworkError reports a framework id with no registered grammar.
type UnknownFrameworkError struct {
	Framework string
	Supported []string
}

func (e *UnknownFrameworkError) Error() string {
	return fmt.Sprintf("framework %q is not supported; supported frameworks: %s",
		e.Framework, strings.Join(e.Supported, ", "))
}

func (e *UnknownFrameworkError) Is(target error) bool { return target == ErrValidation }

// DuplicateMemberError reports an attempt to add a member that already exists.
type DuplicateMemberError struct {
	Framework string
	Path      string
	Kind      string
	Name      string
}

func (e *DuplicateMemberError) Error() string {
	return fmt.Sprintf("%s: %s `%s` already exists in %s", e.Framework, e.Kind, e.Name, e.Path)
}

func (e *DuplicateMemberError) Is(target error) bool { return target == ErrValidation }

// InvalidDescriptorError reports a descriptor file (agent or task store,
// tool config) whose content does not have the expected shape.
type InvalidDescriptorError struct {
	Path   string
	Issues []string
}

func (e *InvalidDescriptorError) Error() string {
	if len(e.Issues) == 1 {
		return fmt.Sprintf("invalid descriptor %s: %s", e.Path, e.Issues[0])
	}
	return fmt.Sprintf("invalid descriptor %s:\n  %s", e.Path, strings.Join(e.Issues, "\n  "))
}

func (e *InvalidDescriptorError) Is(target error) bool { return target == ErrValidation }

// MissingCapabilitiesError reports tool callables declared in a tool's
// config that its implementation module does not define.
type MissingCapabilitiesError struct {
	Tool    string
	Path    string
	Missing []string
}

func (e *MissingCapabilitiesError) Error() string {
	return fmt.Sprintf("tool %s: %s does not define `%s`", e.Tool, e.Path, strings.Join(e.Missing, "`, `"))
}

func (e *MissingCapabilitiesError) Is(target error) bool { return target == ErrValidation }
