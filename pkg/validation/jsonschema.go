package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a compiled JSON schema that can validate many documents.
type Schema struct {
	source   string
	compiled *jsonschema.Schema
}

var (
	cacheMu sync.Mutex
	cache   = make(map[string]*Schema)
)

// Compile compiles schemaJSON, reusing an earlier compilation of the same text.
func Compile(schemaJSON string) (*Schema, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if s, ok := cache[schemaJSON]; ok {
		return s, nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	sch, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile JSON schema: %w. Schema: %s", err, schemaJSON)
	}
	s := &Schema{source: schemaJSON, compiled: sch}
	cache[schemaJSON] = s
	return s, nil
}

// MustCompile is Compile for schemas embedded in the binary.
func MustCompile(schemaJSON string) *Schema {
	s, err := Compile(schemaJSON)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks dataJSON against the schema.
func (s *Schema) Validate(dataJSON string) error {
	var data interface{}
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
		return fmt.Errorf("failed to unmarshal JSON data: %w. Data: %s", err, dataJSON)
	}
	if err := s.compiled.Validate(data); err != nil {
		if validationErr, ok := err.(*jsonschema.ValidationError); ok {
			return fmt.Errorf("JSON data failed validation against schema: %v", validationErr)
		}
		return fmt.Errorf("JSON data failed validation (unexpected error type): %w", err)
	}
	return nil
}

// ValidateJSONWithSchema validates a JSON data string against a JSON schema string.
// An empty schema accepts anything.
func ValidateJSONWithSchema(schemaJSON string, dataJSON string) error {
	if schemaJSON == "" {
		return nil
	}
	s, err := Compile(schemaJSON)
	if err != nil {
		return err
	}
	return s.Validate(dataJSON)
}
