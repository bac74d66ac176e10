package config

import (
	"bytes"
	"encoding/json"
	_ "embed"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

var compiledSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://bifrost.schemas.local/config.schema.json"
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("config: embedded schema load failed: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema compile failed: %v", err))
	}
	return s
}()

// validateSchema checks the raw document's shape before unmarshalling
// into typed structs, so missing required fields and wrongly typed
// values report the offending path instead of a zero value downstream.
func validateSchema(path string, text []byte) error {
	var doc any
	if err := yaml.Unmarshal(text, &doc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	// Round-trip through JSON so the validator sees JSON value types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: normalize %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var normalized any
	if err := dec.Decode(&normalized); err != nil {
		return fmt.Errorf("config: normalize %s: %w", path, err)
	}
	if err := compiledSchema.Validate(normalized); err != nil {
		return fmt.Errorf("config: schema validation of %s failed: %w", path, err)
	}
	return nil
}
