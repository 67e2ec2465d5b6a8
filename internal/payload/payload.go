// Package payload defines the closed set of terminal command types and
// validates each command_data document against the schema for its type.
package payload

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/heysalad/cash/internal/model"
)

var schemas = map[model.CommandType]string{
	model.CommandDisplayQR: `{
		"type": "object",
		"properties": {
			"data": {"type": "string", "minLength": 1},
			"label": {"type": "string"}
		},
		"required": ["data"],
		"additionalProperties": false
	}`,
	model.CommandShowMessage: `{
		"type": "object",
		"properties": {
			"text": {"type": "string", "minLength": 1},
			"duration_ms": {"type": "integer", "minimum": 0}
		},
		"required": ["text"],
		"additionalProperties": false
	}`,
	model.CommandDisplayPayment: `{
		"type": "object",
		"properties": {
			"payment_id": {"type": "string", "minLength": 1},
			"address": {"type": "string", "minLength": 1},
			"amount": {"type": "string", "minLength": 1},
			"currency": {"type": "string", "minLength": 1},
			"payment_uri": {"type": "string"}
		},
		"required": ["payment_id", "address", "amount", "currency"],
		"additionalProperties": false
	}`,
	model.CommandReturnIdle: `{
		"type": "object",
		"additionalProperties": false
	}`,
}

// KnownTypes lists the supported command types in stable order.
func KnownTypes() []string {
	out := make([]string, 0, len(schemas))
	for t := range schemas {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

func Known(commandType model.CommandType) bool {
	_, ok := schemas[commandType]
	return ok
}

// Validate checks a command_data document against the schema for its type.
// An empty document is treated as {} so payload-free commands validate.
func Validate(commandType model.CommandType, data []byte) error {
	schemaJSON, ok := schemas[commandType]
	if !ok {
		return fmt.Errorf("unknown command type %q (known: %s)", commandType, strings.Join(KnownTypes(), ", "))
	}
	if len(data) == 0 {
		data = []byte("{}")
	}

	schemaLoader := gojsonschema.NewStringLoader(schemaJSON)
	documentLoader := gojsonschema.NewBytesLoader(data)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("validate %s payload: %w", commandType, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return fmt.Errorf("invalid %s payload: %s", commandType, strings.Join(details, "; "))
	}
	return nil
}
