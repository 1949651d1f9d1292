package catalog

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// JSON Schemas for condition_config payloads, one per condition type.
// Admission validation happens here so the evaluator can assume decoded
// payloads are structurally sound; anything that predates a schema change
// still soft-fails at evaluation time.
//
// expected_value is deliberately not required for question_answer: the
// evaluator treats a missing expected value as a misconfigured rule and
// fails safe.
var conditionSchemas = map[ConditionType]string{
	ConditionAlways: `{
		"type": "object",
		"additionalProperties": false
	}`,
	ConditionQuestionAnswer: `{
		"type": "object",
		"required": ["question_id", "operator"],
		"properties": {
			"question_id": {"type": "integer", "minimum": 1},
			"expected_value": {},
			"operator": {"enum": ["equals", "not_equals", "contains", "greater_than", "less_than"]}
		},
		"additionalProperties": false
	}`,
	ConditionAllComplete: `{
		"type": "object",
		"required": ["submodule_ids"],
		"properties": {
			"submodule_ids": {
				"type": "array",
				"items": {"type": "integer", "minimum": 1},
				"minItems": 1
			}
		},
		"additionalProperties": false
	}`,
	ConditionAnyComplete: `{
		"type": "object",
		"required": ["submodule_ids"],
		"properties": {
			"submodule_ids": {
				"type": "array",
				"items": {"type": "integer", "minimum": 1},
				"minItems": 1
			}
		},
		"additionalProperties": false
	}`,
}

var compiledSchemas = func() map[ConditionType]*gojsonschema.Schema {
	out := make(map[ConditionType]*gojsonschema.Schema, len(conditionSchemas))
	for typ, src := range conditionSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			panic(fmt.Sprintf("invalid condition schema for %s: %v", typ, err))
		}
		out[typ] = schema
	}
	return out
}()

// ValidateConditionConfig checks a raw condition_config payload against the
// schema for its condition type. Unknown types are rejected so malformed
// rules never enter the catalog.
func ValidateConditionConfig(condType ConditionType, raw []byte) error {
	schema, ok := compiledSchemas[condType]
	if !ok {
		return fmt.Errorf("unknown condition type %q", condType)
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("validating condition config: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("condition config invalid for %s: %s", condType, result.Errors()[0].String())
	}
	return nil
}

// ValidateRule checks structural invariants of a rule before admission:
// exactly one target, and a condition payload matching its declared type.
func ValidateRule(r Rule, rawCondition []byte) error {
	if r.SourceModuleID == 0 {
		return fmt.Errorf("rule %d: source_module_id is required", r.ID)
	}
	if (r.TargetSubmoduleID == 0) == (r.TargetBranch == "") {
		return fmt.Errorf("rule %d: exactly one of target_submodule_id or target_branch is required", r.ID)
	}
	return ValidateConditionConfig(r.ConditionType, rawCondition)
}
