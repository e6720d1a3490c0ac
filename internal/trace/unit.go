// Package trace assembles uploadable trace records from finished units.
package trace

import (
	"errors"
	"fmt"
	"strings"
)

// Outcome is the result of a unit as reported by the test engine.
type Outcome int

// Outcome values. The zero value is invalid.
const (
	OutcomeUnknown Outcome = iota
	OutcomePassed
	OutcomeFailed
	OutcomePending
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomePassed:
		return "passed"
	case OutcomeFailed:
		return "failed"
	case OutcomePending:
		return "pending"
	case OutcomeSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// FailureKind tags the failure variant of a unit.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureAssertion
	FailureError
)

// Failure describes why a unit failed.
type Failure struct {
	Kind     FailureKind
	TypeName string
	Message  string
}

// AssertionError is an expectation mismatch reported by the test engine.
type AssertionError struct {
	Message string
}

func (e *AssertionError) Error() string {
	return e.Message
}

// NewFailure classifies err. Assertion mismatches keep only their message,
// any other error also records its type name.
func NewFailure(err error) Failure {
	if err == nil {
		return Failure{Kind: FailureNone}
	}
	var assertion *AssertionError
	if errors.As(err, &assertion) {
		return Failure{Kind: FailureAssertion, Message: assertion.Message}
	}
	return Failure{
		Kind:     FailureError,
		TypeName: strings.TrimPrefix(fmt.Sprintf("%T", err), "*"),
		Message:  err.Error(),
	}
}

// Inclusion is one frame of the chain through which a shared group was
// included into a test file.
type Inclusion struct {
	Location string
}

// Unit is the engine-independent view of a finished execution unit.
type Unit struct {
	ID               string
	Location         string
	Description      string
	GroupDescription string
	Outcome          Outcome
	Failure          Failure
	// Outermost first; the last entry is the original call site.
	SharedInclusionChain []Inclusion
}

// UnitKey identifies a logical unit across retries and duplicate reports.
// The full description is kept as its group and unit parts.
type UnitKey struct {
	FilePath         string
	GroupDescription string
	Description      string
	Location         string
}

// FilePath returns the source file the unit belongs to.
func (u *Unit) FilePath() string {
	return FileName(u)
}

// FullDescription returns the group description followed by the unit's own.
func (u *Unit) FullDescription() string {
	return strings.TrimSpace(u.GroupDescription + " " + u.Description)
}

// Key returns the identity of the unit. Units with equal keys assemble traces
// with equal file name, scope and name.
func (u *Unit) Key() UnitKey {
	return UnitKey{
		FilePath:         u.FilePath(),
		GroupDescription: u.GroupDescription,
		Description:      u.Description,
		Location:         u.Location,
	}
}

// Equal reports whether both units describe the same logical unit.
func (u *Unit) Equal(other *Unit) bool {
	return u.Key() == other.Key()
}
