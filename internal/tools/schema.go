package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/nexus-core/internal/errs"
)

// SchemaFor reflects the argument struct T into an inline JSON schema.
// Fields without omitempty are required and unknown properties are rejected.
// Descriptions come from `jsonschema:"description=..."` tags.
func SchemaFor[T any]() json.RawMessage {
	r := &invopop.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	schema := r.Reflect(&zero)
	schema.Version = ""
	schema.ID = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

var schemaCache sync.Map

// compileSchema compiles and caches a tool schema.
func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	if len(bytes.TrimSpace(schema)) == 0 {
		key = `{"type":"object"}`
	}
	compiled, err := jsonschema.CompileString(fmt.Sprintf("tool://%s.schema.json", name), key)
	if err != nil {
		return nil, errs.Wrapf(errs.InvalidArgument, err, "tool %s: invalid schema", name)
	}
	schemaCache.Store(string(schema), compiled)
	return compiled, nil
}

// validateArguments checks raw arguments against the compiled schema.
// Empty arguments are treated as an empty object.
func validateArguments(schema *jsonschema.Schema, raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return errs.Wrap(errs.InvalidArgument, err, "arguments are not valid JSON")
	}
	if err := schema.Validate(decoded); err != nil {
		return errs.Wrap(errs.InvalidArgument, err, "arguments do not match schema")
	}
	return nil
}
