package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Схема конверта команды. Проверяется до декодирования payload.
const commandSchema = `{
  "type": "object",
  "required": ["action"],
  "properties": {
    "action":  {"type": "string", "minLength": 1, "maxLength": 64},
    "payload": {"type": ["object", "null"]}
  }
}`

const pointSchema = `{"type": "object", "required": ["x", "y"], "properties": {"x": {"type": "number"}, "y": {"type": "number"}}}`

// Схемы payload по действию. Действия без схемы проверяются только Validate().
var payloadSchemas = map[string]string{
	"INIT": `{
  "type": "object",
  "required": ["mapId", "callerId"],
  "properties": {
    "mapId":    {"type": "string", "minLength": 1},
    "callerId": {"type": "string", "minLength": 1},
    "role":     {"type": "string"},
    "x":        {"type": "number"},
    "y":        {"type": "number"}
  }
}`,
	"REVEAL_AREA": `{
  "type": "object",
  "required": ["shape"],
  "properties": {
    "id":      {"type": "string"},
    "shape":   {"enum": ["circle", "square", "polygon"]},
    "x":       {"type": "number"},
    "y":       {"type": "number"},
    "radius":  {"type": "number", "minimum": 0},
    "points":  {"type": "array", "items": ` + pointSchema + `},
    "color":   {"type": "string", "pattern": "^(#[0-9a-fA-F]{3}|#[0-9a-fA-F]{6})?$"},
    "opacity": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "oneOf": [
    {"properties": {"shape": {"enum": ["polygon"]}}, "required": ["points"]},
    {"properties": {"shape": {"enum": ["circle", "square"]}}, "required": ["radius"]}
  ]
}`,
	"UPSERT_LIGHT": `{
  "type": "object",
  "required": ["x", "y", "radius", "intensity"],
  "properties": {
    "id":               {"type": "string"},
    "x":                {"type": "number"},
    "y":                {"type": "number"},
    "radius":           {"type": "number", "minimum": 0},
    "color":            {"type": "string", "pattern": "^(#[0-9a-fA-F]{3}|#[0-9a-fA-F]{6})?$"},
    "intensity":        {"type": "number", "minimum": 0, "maximum": 1},
    "flickering":       {"type": "boolean"},
    "flickerIntensity": {"type": "number", "minimum": 0, "maximum": 1},
    "castShadows":      {"type": "boolean"}
  }
}`,
	"UPSERT_OBSTACLE": `{
  "type": "object",
  "required": ["x", "y", "width", "height", "kind"],
  "properties": {
    "id":           {"type": "string"},
    "x":            {"type": "number"},
    "y":            {"type": "number"},
    "width":        {"type": "number", "minimum": 0},
    "height":       {"type": "number", "minimum": 0},
    "kind":         {"enum": ["wall", "door", "window", "furniture", "water", "glass"]},
    "blocksVision": {"type": "boolean"},
    "opacity":      {"type": "number", "minimum": 0, "maximum": 1},
    "tint":         {"type": "string"}
  }
}`,
	"SET_AMBIENT": `{
  "type": "object",
  "required": ["ambient"],
  "properties": {"ambient": {"type": "number", "minimum": 0, "maximum": 1}}
}`,
}

// SchemaValidator проверяет сырые команды по встроенным JSON-схемам.
type SchemaValidator struct {
	command  *gojsonschema.Schema
	payloads map[string]*gojsonschema.Schema
}

// NewSchemaValidator компилирует встроенные схемы.
func NewSchemaValidator() (*SchemaValidator, error) {
	cmd, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(commandSchema))
	if err != nil {
		return nil, fmt.Errorf("compile command schema: %w", err)
	}
	v := &SchemaValidator{command: cmd, payloads: make(map[string]*gojsonschema.Schema, len(payloadSchemas))}
	for action, src := range payloadSchemas {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", action, err)
		}
		v.payloads[action] = s
	}
	return v, nil
}

// ValidateCommand проверяет конверт и, если для действия есть схема, payload.
func (v *SchemaValidator) ValidateCommand(raw []byte) error {
	if err := validateAgainst(v.command, raw); err != nil {
		return err
	}
	var cmd ClientCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return v.ValidatePayload(cmd.Action, cmd.Payload)
}

// ValidatePayload проверяет payload действия.
func (v *SchemaValidator) ValidatePayload(action string, payload json.RawMessage) error {
	s, ok := v.payloads[strings.ToUpper(action)]
	if !ok {
		return nil
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return validateAgainst(s, payload)
}

func validateAgainst(s *gojsonschema.Schema, raw []byte) error {
	result, err := s.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("schema validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
