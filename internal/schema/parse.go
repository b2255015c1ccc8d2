package schema

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/thesayf/deployai-sub003/internal/model"
)

// ParseReason classifies why a provider payload was rejected.
type ParseReason string

const (
	ReasonMalformedJSON   ParseReason = "malformed-json"
	ReasonSchemaViolation ParseReason = "schema-violation"
)

// ParseError reports a rejected provider payload. Field is set for schema
// violations; Excerpt carries the offending text for malformed JSON.
type ParseError struct {
	Reason  ParseReason
	Field   string
	Excerpt string
	Err     error
}

func (e *ParseError) Error() string {
	switch e.Reason {
	case ReasonSchemaViolation:
		return fmt.Sprintf("schema: %s at %q", e.Reason, e.Field)
	default:
		return fmt.Sprintf("schema: %s: %q", e.Reason, e.Excerpt)
	}
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err (or its chain) is a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// excerptLimit bounds how much offending text a ParseError carries.
const excerptLimit = 120

func excerpt(text string) string {
	if len(text) > excerptLimit {
		return text[:excerptLimit]
	}
	return text
}

// parse extracts JSON from raw text, checks it against the stage schema, and
// decodes it into out.
func parse(raw string, sch *gojsonschema.Schema, out any) error {
	extracted := ExtractJSON(raw)

	var probe any
	if err := json.Unmarshal([]byte(extracted), &probe); err != nil {
		return &ParseError{Reason: ReasonMalformedJSON, Excerpt: excerpt(extracted), Err: err}
	}

	result, err := sch.Validate(gojsonschema.NewStringLoader(extracted))
	if err != nil {
		return &ParseError{Reason: ReasonMalformedJSON, Excerpt: excerpt(extracted), Err: err}
	}
	if !result.Valid() {
		first := result.Errors()[0]
		field := first.Field()
		if field == "" {
			field = "(root)"
		}
		return &ParseError{
			Reason: ReasonSchemaViolation,
			Field:  field,
			Err:    fmt.Errorf("%s: %s", field, first.Description()),
		}
	}

	if err := json.Unmarshal([]byte(extracted), out); err != nil {
		return &ParseError{Reason: ReasonMalformedJSON, Excerpt: excerpt(extracted), Err: err}
	}
	return nil
}

// ParseProblemAnalysis validates raw provider text as stage 1 output.
func ParseProblemAnalysis(raw string) (*model.ProblemAnalysis, error) {
	var out model.ProblemAnalysis
	if err := parse(raw, compiled(stage1Schema), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ParseToolResearch validates raw provider text as stage 2 output.
func ParseToolResearch(raw string) (*model.ToolResearch, error) {
	var out model.ToolResearch
	if err := parse(raw, compiled(stage2Schema), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ParseCuratedTools validates raw provider text as stage 3 output.
func ParseCuratedTools(raw string) (*model.CuratedTools, error) {
	var out model.CuratedTools
	if err := parse(raw, compiled(stage3Schema), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ParseFinalReport validates raw provider text as stage 4 output.
func ParseFinalReport(raw string) (*model.FinalReport, error) {
	var out model.FinalReport
	if err := parse(raw, compiled(stage4Schema), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ParseStage dispatches to the stage-specific parser and returns the
// validated payload re-marshaled as canonical JSON, ready for persistence.
func ParseStage(stage int, raw string) (json.RawMessage, error) {
	var (
		val any
		err error
	)
	switch stage {
	case 1:
		val, err = ParseProblemAnalysis(raw)
	case 2:
		val, err = ParseToolResearch(raw)
	case 3:
		val, err = ParseCuratedTools(raw)
	case 4:
		val, err = ParseFinalReport(raw)
	default:
		return nil, fmt.Errorf("schema: unknown stage %d", stage)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(val)
}
