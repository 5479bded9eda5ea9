// Package extract turns a provider's raw text response into a validated
// structured record, escalating through increasingly aggressive repair
// stages before giving up.
package extract

import (
	"encoding/json"
	"strings"
)

// Stage names one repair step.
type Stage string

const (
	StageDirect      Stage = "direct_parse"
	StageStripBound  Stage = "strip_and_bound"
	StageNormalize   Stage = "syntax_normalization"
	StageLargestSpan Stage = "regex_extraction"
)

// Stages lists the repair steps in the order Extract tries them.
var Stages = []Stage{StageDirect, StageStripBound, StageNormalize, StageLargestSpan}

// Result is a record that parsed and passed its schema.
type Result struct {
	Record map[string]any
	Stage  Stage
}

// Extract parses raw into a JSON object satisfying schema. It stops at the
// first stage whose candidate both parses and validates. When every stage
// fails it returns *UnparseableOutputError; it never fabricates a record.
func Extract(raw string, schema Schema) (*Result, error) {
	var (
		attempts   []StageAttempt
		violations []Violation
		tried      = make(map[string]bool)
	)

	stripped := stripMarkers(raw)
	bounded := boundObject(stripped)
	normalized := ""
	if bounded != "" {
		normalized = normalizeSyntax(bounded)
	} else {
		normalized = normalizeSyntax(stripped)
	}
	largest := largestObject(raw)
	if largest != "" {
		largest = normalizeSyntax(largest)
	}

	candidates := []struct {
		stage Stage
		text  string
	}{
		{StageDirect, strings.TrimSpace(raw)},
		{StageStripBound, bounded},
		{StageNormalize, normalized},
		{StageLargestSpan, largest},
	}

	for _, c := range candidates {
		if c.text == "" {
			attempts = append(attempts, StageAttempt{Stage: c.stage, Error: "no object found"})
			continue
		}
		if tried[c.text] {
			attempts = append(attempts, StageAttempt{Stage: c.stage, Error: "same candidate as an earlier stage"})
			continue
		}
		tried[c.text] = true

		record, err := decodeObject(c.text)
		if err != nil {
			attempts = append(attempts, StageAttempt{Stage: c.stage, Error: err.Error()})
			continue
		}

		if vs := schema.Validate(record); len(vs) > 0 {
			violations = vs
			attempts = append(attempts, StageAttempt{Stage: c.stage, Error: "schema validation failed", Violations: vs})
			continue
		}

		return &Result{Record: record, Stage: c.stage}, nil
	}

	return nil, newUnparseable(raw, attempts, violations)
}

// decodeObject requires the whole text to be exactly one JSON object.
func decodeObject(text string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	var record map[string]any
	if err := dec.Decode(&record); err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errNotObject
	}
	if dec.More() {
		return nil, errTrailingData
	}
	return record, nil
}
