package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const decisionSchemaJSON = `{
  "type": "object",
  "required": ["service_name", "decision_type", "input", "model", "output"],
  "properties": {
    "service_name": {"type": "string", "minLength": 1, "maxLength": 255},
    "decision_type": {"type": "string", "minLength": 1, "maxLength": 255},
    "input": {"type": "object"},
    "model": {
      "type": "object",
      "required": ["provider", "name"],
      "properties": {
        "provider": {"type": "string", "minLength": 1},
        "name": {"type": "string", "minLength": 1},
        "version": {"type": "string"},
        "parameters": {"type": "object"}
      }
    },
    "prompt": {"type": ["object", "null"]},
    "output": {"type": "object"},
    "tool_calls": {"type": ["array", "null"], "items": {"type": "object"}},
    "metadata": {"type": ["object", "null"]}
  }
}`

const overridesSchemaJSON = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "prompt": {"type": "object"},
    "input": {"type": "object"},
    "model": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "provider": {"type": "string", "minLength": 1},
        "name": {"type": "string", "minLength": 1},
        "version": {"type": "string"},
        "parameters": {"type": "object"}
      }
    }
  }
}`

const correctionSchemaJSON = `{
  "type": "object",
  "required": ["correction", "corrected_by"],
  "properties": {
    "correction": {"type": "object"},
    "corrected_by": {"type": "string", "minLength": 1},
    "notes": {"type": "string"}
  }
}`

var (
	decisionSchema   = mustCompile("decision", decisionSchemaJSON)
	overridesSchema  = mustCompile("overrides", overridesSchemaJSON)
	correctionSchema = mustCompile("correction", correctionSchemaJSON)
)

func mustCompile(name, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://loopgrid.schemas.local/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("contracts: load %s schema: %v", name, err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("contracts: compile %s schema: %v", name, err))
	}
	return compiled
}

// Validate rejects incomplete or malformed decision payloads before any hashing.
func (in DecisionInput) Validate() error {
	doc, err := toDocument(in.Normalized())
	if err != nil {
		return err
	}
	return check(decisionSchema, doc)
}

// ParseOverrides decodes and validates a raw overrides document. An empty or
// null document yields nil overrides.
func ParseOverrides(raw json.RawMessage) (*Overrides, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, &ValidationError{Field: "overrides", Reason: "malformed JSON"}
	}
	if err := check(overridesSchema, doc); err != nil {
		return nil, err
	}
	var o Overrides
	if err := json.Unmarshal(trimmed, &o); err != nil {
		return nil, &ValidationError{Field: "overrides", Reason: err.Error()}
	}
	return &o, nil
}

// Validate checks an overrides value built in code rather than parsed.
func (o *Overrides) Validate() error {
	if o == nil {
		return nil
	}
	doc, err := toDocument(o)
	if err != nil {
		return err
	}
	return check(overridesSchema, doc)
}

// ValidateCorrection checks a correction payload and its author.
func ValidateCorrection(correction json.RawMessage, correctedBy, notes string) error {
	doc, err := toDocument(struct {
		Correction  json.RawMessage `json:"correction"`
		CorrectedBy string          `json:"corrected_by"`
		Notes       string          `json:"notes"`
	}{normalize(correction), correctedBy, notes})
	if err != nil {
		return err
	}
	return check(correctionSchema, doc)
}

func toDocument(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &ValidationError{Reason: "malformed JSON payload"}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &ValidationError{Reason: "malformed JSON payload"}
	}
	return doc, nil
}

func check(schema *jsonschema.Schema, doc any) error {
	err := schema.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &ValidationError{Reason: err.Error()}
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := strings.ReplaceAll(strings.TrimPrefix(leaf.InstanceLocation, "/"), "/", ".")
	return &ValidationError{Field: field, Reason: leaf.Message}
}

// Normalized returns a copy with empty payloads mapped to nil.
func (in DecisionInput) Normalized() DecisionInput {
	in.Input = normalize(in.Input)
	in.Prompt = normalize(in.Prompt)
	in.Output = normalize(in.Output)
	in.ToolCalls = normalize(in.ToolCalls)
	in.Metadata = normalize(in.Metadata)
	return in
}

// normalize maps an empty raw message to nil so it encodes as JSON null.
func normalize(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return raw
}
