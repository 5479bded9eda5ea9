package extract

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	errNotObject    = eris.New("extract: value is not a JSON object")
	errTrailingData = eris.New("extract: trailing data after object")
)

// excerptLen is the rune length of the head and tail excerpts kept on
// UnparseableOutputError.
const excerptLen = 200

// StageAttempt records why one repair stage did not produce a record.
type StageAttempt struct {
	Stage      Stage       `json:"stage"`
	Error      string      `json:"error"`
	Violations []Violation `json:"violations,omitempty"`
}

// UnparseableOutputError is returned when no repair stage yields a record
// that parses and validates.
type UnparseableOutputError struct {
	RawLength  int            `json:"raw_length"`
	Head       string         `json:"head"`
	Tail       string         `json:"tail"`
	Attempts   []StageAttempt `json:"attempts"`
	Violations []Violation    `json:"violations,omitempty"`
}

func newUnparseable(raw string, attempts []StageAttempt, violations []Violation) *UnparseableOutputError {
	runes := []rune(raw)
	e := &UnparseableOutputError{
		RawLength:  len(raw),
		Attempts:   attempts,
		Violations: violations,
	}
	if len(runes) <= excerptLen*2 {
		e.Head = raw
	} else {
		e.Head = string(runes[:excerptLen])
		e.Tail = string(runes[len(runes)-excerptLen:])
	}
	return e
}

func (e *UnparseableOutputError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "unparseable output (%d bytes", e.RawLength)
	if len(e.Violations) > 0 {
		parts := make([]string, len(e.Violations))
		for i, v := range e.Violations {
			parts[i] = v.String()
		}
		fmt.Fprintf(&b, ", schema: %s", strings.Join(parts, "; "))
	} else if n := len(e.Attempts); n > 0 {
		fmt.Fprintf(&b, ", last stage %s: %s", e.Attempts[n-1].Stage, e.Attempts[n-1].Error)
	}
	b.WriteString(")")
	return b.String()
}
