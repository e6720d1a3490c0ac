package trace

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xiaot623/testinsights/internal/tracer"
)

// Result is the uploaded state of a unit.
type Result string

const (
	ResultPassed  Result = "passed"
	ResultFailed  Result = "failed"
	ResultSkipped Result = "skipped"
)

// UnknownFileName is used when the source file of a unit cannot be resolved.
const UnknownFileName = "Unknown"

// ErrUnknownOutcome is returned when a unit reports an outcome that has no result mapping.
var ErrUnknownOutcome = errors.New("unknown unit outcome")

// Trace is the uploadable record of one unit.
type Trace struct {
	Scope      string         `json:"scope"`
	Name       string         `json:"name"`
	Identifier string         `json:"identifier"`
	Location   string         `json:"location"`
	FileName   string         `json:"file_name"`
	Result     Result         `json:"result"`
	Failure    *string        `json:"failure"`
	History    []tracer.Event `json:"history"`
}

// Assemble joins the unit metadata with its finalized history.
func Assemble(unit *Unit, history []tracer.Event) (*Trace, error) {
	result, err := ResultFor(unit.Outcome)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble trace for %s: %w", unit.ID, err)
	}
	if history == nil {
		history = []tracer.Event{}
	}

	return &Trace{
		Scope:      unit.GroupDescription,
		Name:       unit.Description,
		Identifier: unit.ID,
		Location:   unit.Location,
		FileName:   FileName(unit),
		Result:     result,
		Failure:    FailureMessage(unit.Failure),
		History:    history,
	}, nil
}

// ResultFor maps an engine outcome to an uploaded result.
func ResultFor(outcome Outcome) (Result, error) {
	switch outcome {
	case OutcomePassed:
		return ResultPassed, nil
	case OutcomeFailed:
		return ResultFailed, nil
	case OutcomePending, OutcomeSkipped:
		return ResultSkipped, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownOutcome, outcome)
	}
}

// FailureMessage renders the failure of a unit, or nil when it did not fail.
func FailureMessage(f Failure) *string {
	var msg string
	switch f.Kind {
	case FailureAssertion:
		msg = f.Message
	case FailureError:
		msg = f.TypeName + ": " + f.Message
	default:
		return nil
	}
	return &msg
}

// FileName resolves the source file a unit belongs to. When the identifier and
// the location point at different files the unit ran inside a shared group, and
// the last frame of the inclusion chain is the original call site.
func FileName(unit *Unit) string {
	fromID := filePath(unit.ID)
	fromLocation := filePath(unit.Location)

	if fromID == fromLocation {
		return orUnknown(fromID)
	}
	if n := len(unit.SharedInclusionChain); n > 0 {
		return orUnknown(filePath(unit.SharedInclusionChain[n-1].Location))
	}
	return UnknownFileName
}

// filePath returns the leading file path of an identifier ("a/b.rb[1:2]") or a
// location ("a/b.rb:10").
func filePath(s string) string {
	if i := strings.IndexAny(s, "[:"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func orUnknown(path string) string {
	if path == "" {
		return UnknownFileName
	}
	return path
}
