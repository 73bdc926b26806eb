package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// profileSchema is the JSON Schema every profile file must satisfy.
const profileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "provider": {
      "type": "object",
      "properties": {
        "name": {"type": "string", "enum": ["deepseek", "qwen", "static"]},
        "base_url": {"type": "string"},
        "model": {"type": "string"},
        "api_key_env": {"type": "string"},
        "temperature": {"type": "number", "minimum": 0, "maximum": 2},
        "stream": {"type": "boolean"}
      },
      "required": ["name"]
    },
    "triage": {
      "type": "object",
      "properties": {
        "rules": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "pattern": {"type": "string", "minLength": 1},
              "when": {"type": "string"},
              "engine": {"type": "string", "enum": ["cel", "expr"]},
              "reason": {"type": "string"}
            },
            "required": ["pattern"]
          }
        },
        "disclaimer": {"type": "string"},
        "urgent_message": {"type": "string"}
      }
    },
    "prompt": {
      "type": "object",
      "properties": {
        "system": {"type": "string"},
        "template": {"type": "string"}
      }
    },
    "extract": {
      "type": "object",
      "properties": {
        "followup_query": {"type": "string"},
        "warning_query": {"type": "string"}
      }
    },
    "retention": {
      "type": "object",
      "properties": {
        "schedule": {"type": "string"},
        "max_age_days": {"type": "integer", "minimum": 1}
      }
    }
  },
  "required": ["provider"]
}`

const profileSchemaURL = "carepath://profile.schema.json"

// ParseProfile validates raw profile JSON against the embedded schema and
// unmarshals it. Schema violations are reported as a VALIDATION_ERROR with
// the offending instance locations in the details.
func ParseProfile(data []byte) (*Profile, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, NewErrorf(ErrCodeValidation, "profile is not valid JSON: %s", err.Error()).WithCause(err)
	}

	sch, err := compiledProfileSchema()
	if err != nil {
		return nil, err
	}

	if err := sch.Validate(doc); err != nil {
		details := map[string]any{}
		var verr *jsonschema.ValidationError
		if ok := asValidationError(err, &verr); ok {
			var locs []string
			for _, cause := range verr.Causes {
				locs = append(locs, fmt.Sprintf("%v", cause))
			}
			details["causes"] = locs
		}
		return nil, NewErrorf(ErrCodeValidation, "profile failed schema validation: %s", err.Error()).
			WithCause(err).WithDetails(details)
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "decode profile: %s", err.Error()).WithCause(err)
	}
	return &p, nil
}

func compiledProfileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(profileSchema)))
	if err != nil {
		return nil, NewErrorf(ErrCodeValidation, "embedded profile schema: %s", err.Error()).WithCause(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(profileSchemaURL, doc); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "register profile schema: %s", err.Error()).WithCause(err)
	}
	sch, err := c.Compile(profileSchemaURL)
	if err != nil {
		return nil, NewErrorf(ErrCodeValidation, "compile profile schema: %s", err.Error()).WithCause(err)
	}
	return sch, nil
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return false
	}
	*target = ve
	return true
}
