package activity

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/event.schema.json
var eventSchemaJSON []byte

const eventSchemaURL = "https://edittrail.dev/schema/activity-event-v1.json"

var (
	eventSchema     *jsonschema.Schema
	eventSchemaErr  error
	eventSchemaOnce sync.Once
)

func compiledSchema() (*jsonschema.Schema, error) {
	eventSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(eventSchemaURL, bytes.NewReader(eventSchemaJSON)); err != nil {
			eventSchemaErr = fmt.Errorf("add event schema: %w", err)
			return
		}
		eventSchema, eventSchemaErr = compiler.Compile(eventSchemaURL)
	})
	return eventSchema, eventSchemaErr
}

// Validate checks a single raw record against the activity event schema.
func Validate(raw []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
