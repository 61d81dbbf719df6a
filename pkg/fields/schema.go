package fields

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"meetra/pkg/domain"
)

// ErrInvalidProfile reports an assembled profile that fails schema validation.
var ErrInvalidProfile = errors.New("extracted profile failed validation")

const profileSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["skills", "titles", "experienceEntries", "educationEntries", "industries", "keywords", "confidence"],
  "definitions": {
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "valued": {
      "type": "object",
      "required": ["value", "confidence"],
      "properties": {
        "value": {"type": "string", "minLength": 1, "maxLength": 200},
        "confidence": {"$ref": "#/definitions/confidence"}
      }
    },
    "record": {
      "type": "object",
      "required": ["raw", "confidence"],
      "properties": {
        "raw": {"type": "string", "minLength": 1},
        "confidence": {"$ref": "#/definitions/confidence"}
      }
    }
  },
  "properties": {
    "headline": {"type": "string", "maxLength": 200},
    "summary": {"type": "string", "maxLength": 1200},
    "skills": {"type": "array", "maxItems": 40, "items": {"$ref": "#/definitions/valued"}},
    "titles": {"type": "array", "maxItems": 15, "items": {"$ref": "#/definitions/valued"}},
    "experienceEntries": {"type": "array", "maxItems": 40, "items": {"$ref": "#/definitions/record"}},
    "educationEntries": {"type": "array", "maxItems": 25, "items": {"$ref": "#/definitions/record"}},
    "industries": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "keywords": {"type": "array", "maxItems": 50, "items": {"type": "string"}},
    "confidence": {"type": "object", "additionalProperties": {"$ref": "#/definitions/confidence"}}
  }
}`

func compileSchema() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(profileSchema))
}

func validateProfile(schema *gojsonschema.Schema, p domain.ExtractedProfile) error {
	res, err := schema.Validate(gojsonschema.NewGoLoader(p))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidProfile, strings.Join(msgs, "; "))
}
