package modes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/haasonsaas/tandem/pkg/models"
	"github.com/invopop/jsonschema"
	schemavalidate "github.com/santhosh-tekuri/jsonschema/v5"
)

// The import payload schema is reflected off the ModeDefinition struct, so
// schema and struct can never drift. It accepts either a bare array of
// definitions or the {"modes": [...]} wrapper.

var (
	schemaOnce     sync.Once
	compiledSchema *schemavalidate.Schema
	schemaBuildErr error
)

func payloadSchema() (*schemavalidate.Schema, error) {
	schemaOnce.Do(func() {
		reflector := &jsonschema.Reflector{
			DoNotReference: true,
			Anonymous:      true,
		}
		defSchema, err := json.Marshal(reflector.Reflect(&models.ModeDefinition{}))
		if err != nil {
			schemaBuildErr = fmt.Errorf("reflect mode schema: %w", err)
			return
		}

		document := fmt.Sprintf(`{
			"$schema": "https://json-schema.org/draft/2020-12/schema",
			"oneOf": [
				{"type": "array", "items": %s},
				{
					"type": "object",
					"properties": {"modes": {"type": "array", "items": %s}},
					"required": ["modes"],
					"additionalProperties": false
				}
			]
		}`, defSchema, defSchema)

		compiler := schemavalidate.NewCompiler()
		if err := compiler.AddResource("tandem://modes-payload.json", bytes.NewReader([]byte(document))); err != nil {
			schemaBuildErr = fmt.Errorf("register mode schema: %w", err)
			return
		}
		compiledSchema, schemaBuildErr = compiler.Compile("tandem://modes-payload.json")
	})
	return compiledSchema, schemaBuildErr
}

// validatePayloadSchema structurally validates an import payload before the
// per-definition checks run, so a malformed upload fails with a precise
// path instead of a generic parse error.
func validatePayloadSchema(payload string) error {
	schema, err := payloadSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return fmt.Errorf("modes: invalid import JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
