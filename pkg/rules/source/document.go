package source

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"impactlab/rulecore/pkg/rules"
)

// SupportedVersions is the range of rule file versions this build reads.
const SupportedVersions = ">= 1.0.0-0, < 2.0.0-0"

// Document is the content of one rule file.
type Document struct {
	Version string       `json:"version"`
	Rules   []rules.Rule `json:"rules"`
}

const schemaURL = "https://rulecore.local/schemas/rules.schema.json"

const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "rules"],
  "additionalProperties": false,
  "properties": {
    "version": {"type": ["string", "number"]},
    "rules": {"type": "array", "items": {"$ref": "#/$defs/rule"}}
  },
  "$defs": {
    "rule": {
      "type": "object",
      "required": ["name", "context_types", "conditions"],
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string", "pattern": "^[A-Za-z0-9_.:-]+$"},
        "description": {"type": "string"},
        "priority": {"type": "integer"},
        "context_types": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
        "conditions": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/condition"}},
        "actions": {"type": "array", "items": {"$ref": "#/$defs/action"}},
        "tags": {"type": "array", "items": {"type": "string"}},
        "enabled": {"type": "boolean"},
        "depends_on": {"type": "array", "uniqueItems": true, "items": {"type": "string"}},
        "no_cache": {"type": "boolean"}
      }
    },
    "condition": {
      "oneOf": [
        {"type": "string", "minLength": 1},
        {
          "type": "object",
          "required": ["expression"],
          "additionalProperties": false,
          "properties": {
            "expression": {"type": "string", "minLength": 1},
            "description": {"type": "string"}
          }
        }
      ]
    },
    "action": {
      "type": "object",
      "required": ["name"],
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "parameters": {"type": "object"}
      }
    }
  }
}`

var (
	schema      = jsonschema.MustCompileString(schemaURL, documentSchema)
	versionSpan = mustConstraint(SupportedVersions)
)

func mustConstraint(c string) *semver.Constraints {
	cs, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return cs
}

// Parse decodes a YAML rule file. The document is checked against the rule
// file schema and its version against SupportedVersions. Conditions may be
// written as bare expression strings, and rules without an enabled key are
// enabled.
func Parse(path string, data []byte) (*Document, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &LoadError{Path: path, Message: "YAML parsing failed", Cause: err}
	}
	if raw == nil {
		return nil, &LoadError{Path: path, Message: "file is empty"}
	}

	// Round-trip through JSON so the schema sees JSON types
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, &LoadError{Path: path, Message: "document is not representable as JSON", Cause: err}
	}
	var tree any
	treeDec := json.NewDecoder(bytes.NewReader(encoded))
	treeDec.UseNumber()
	if err := treeDec.Decode(&tree); err != nil {
		return nil, &LoadError{Path: path, Message: "document is not representable as JSON", Cause: err}
	}
	if err := schema.Validate(tree); err != nil {
		return nil, &LoadError{Path: path, Message: "schema validation failed", Cause: err}
	}

	doc := tree.(map[string]any)
	versionStr := fmt.Sprint(doc["version"])
	version, err := semver.NewVersion(versionStr)
	if err != nil {
		return nil, &LoadError{Path: path, Message: fmt.Sprintf("invalid version %q", versionStr), Cause: err}
	}
	if !versionSpan.Check(version) {
		return nil, &LoadError{Path: path, Message: fmt.Sprintf("version %s is not in supported range %q", version, SupportedVersions)}
	}

	for _, item := range doc["rules"].([]any) {
		normalizeRule(item.(map[string]any))
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, &LoadError{Path: path, Message: "encode rules", Cause: err}
	}
	var out Document
	dec := json.NewDecoder(bytes.NewReader(normalized))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, &LoadError{Path: path, Message: "decode rules", Cause: err}
	}
	for i := range out.Rules {
		for j, a := range out.Rules[i].Actions {
			out.Rules[i].Actions[j].Parameters = numbersToGo(a.Parameters).(map[string]any)
		}
	}
	out.Version = version.String()
	return &out, nil
}

func normalizeRule(r map[string]any) {
	if _, ok := r["enabled"]; !ok {
		r["enabled"] = true
	}
	conds, _ := r["conditions"].([]any)
	for i, c := range conds {
		if s, ok := c.(string); ok {
			conds[i] = map[string]any{"expression": s}
		}
	}
}

// numbersToGo replaces json.Number with int64 when integral and float64
// otherwise, so parameter values compare like values decoded from YAML.
func numbersToGo(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = numbersToGo(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = numbersToGo(e)
		}
		return t
	default:
		return v
	}
}
