package schema

import (
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Stage output schemas, draft-07. Each enforces the required top-level keys,
// score ranges, enumerations, and non-empty arrays its stage guarantees to
// downstream prompts.

const stage1Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["businessContext", "problems", "aiOpportunityScore"],
  "properties": {
    "businessContext": {
      "type": "object",
      "required": ["industry", "companySize", "urgencyLevel"],
      "properties": {
        "industry": {"type": "string", "minLength": 1},
        "companySize": {"type": "string", "minLength": 1},
        "urgencyLevel": {"type": "string", "enum": ["low", "medium", "high"]}
      }
    },
    "problems": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["area", "severity", "summary"],
        "properties": {
          "area": {"type": "string", "minLength": 1},
          "severity": {"type": "integer", "minimum": 0, "maximum": 100},
          "summary": {"type": "string"}
        }
      }
    },
    "aiOpportunityScore": {"type": "integer", "minimum": 0, "maximum": 100}
  }
}`

const stage2Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["candidates"],
  "properties": {
    "candidates": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "vendor", "category", "websiteUrl", "relevanceScore"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "vendor": {"type": "string"},
          "category": {"type": "string", "minLength": 1},
          "websiteUrl": {"type": "string"},
          "relevanceScore": {"type": "integer", "minimum": 0, "maximum": 100},
          "notes": {"type": "string"}
        }
      }
    }
  }
}`

const stage3Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["recommendations"],
  "properties": {
    "recommendations": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["toolName", "problemArea", "priority", "estimatedImpactScore"],
        "properties": {
          "toolName": {"type": "string", "minLength": 1},
          "problemArea": {"type": "string", "minLength": 1},
          "priority": {"type": "string", "enum": ["high", "medium", "low"]},
          "estimatedImpactScore": {"type": "integer", "minimum": 0, "maximum": 100},
          "implementationNotes": {"type": "string"}
        }
      }
    }
  }
}`

const stage4Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["executiveSummary", "sections", "nextSteps"],
  "properties": {
    "executiveSummary": {"type": "string", "minLength": 1},
    "sections": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["title", "body"],
        "properties": {
          "title": {"type": "string", "minLength": 1},
          "body": {"type": "string", "minLength": 1}
        }
      }
    },
    "nextSteps": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    },
    "projectedRoiNotes": {"type": "string"}
  }
}`

var (
	compileOnce sync.Once
	compiledSet map[string]*gojsonschema.Schema
)

// compiled returns the compiled form of one of the stage schema constants.
// The schema text is trusted (embedded above), so compilation failure is a
// programming error and panics at first use.
func compiled(src string) *gojsonschema.Schema {
	compileOnce.Do(func() {
		compiledSet = make(map[string]*gojsonschema.Schema, 4)
		for _, s := range []string{stage1Schema, stage2Schema, stage3Schema, stage4Schema} {
			sch, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
			if err != nil {
				panic(fmt.Sprintf("schema: compile: %v", err))
			}
			compiledSet[s] = sch
		}
	})
	return compiledSet[src]
}
