package kernel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compileParamSchema compiles an action's parameter schema document at
// registry build time. The document is the JSON-Schema subset from the action
// descriptor: object with typed properties, required list, enum and
// minimum/maximum constraints, recursing through items and properties.
func compileParamSchema(actionName string, doc map[string]interface{}) (*jsonschema.Schema, error) {
	if doc == nil {
		return nil, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("action %s: schema marshal: %w", actionName, err)
	}

	url := "mem://actions/" + actionName + ".json"
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("action %s: schema resource: %w", actionName, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("action %s: schema compile: %w", actionName, err)
	}
	return schema, nil
}

// validateParams checks request params against a compiled schema and flattens
// the validator's error tree into a single client-facing message.
func validateParams(schema *jsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	// jsonschema validates generic JSON values; round-trip structs/numbers so
	// the instance matches what json.Unmarshal would have produced.
	instance, err := toJSONValue(params)
	if err != nil {
		return fmt.Errorf("params are not a JSON object: %w", err)
	}

	if err := schema.Validate(instance); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			return fmt.Errorf("%s", flattenValidationError(ve))
		}
		return err
	}
	return nil
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// flattenValidationError picks the deepest leaf cause for a compact message.
func flattenValidationError(ve *jsonschema.ValidationError) string {
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
	loc = strings.ReplaceAll(loc, "/", ".")
	if loc == "" {
		return leaf.Message
	}
	return fmt.Sprintf("%s: %s", loc, leaf.Message)
}

func toJSONValue(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
