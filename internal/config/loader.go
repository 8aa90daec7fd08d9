package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.yaml.in/yaml/v3"
)

// SchemaName is the file name of the embedded JSON schema.
const SchemaName = "detserve.v1.schema.json"

//go:embed detserve.v1.schema.json
var embeddedSchema []byte

// Schema returns the embedded JSON schema.
func Schema() []byte {
	return append([]byte(nil), embeddedSchema...)
}

// LoadAndValidate loads and validates the configuration. An empty schemaPath
// selects the embedded schema. Missing fields keep their Default values.
func LoadAndValidate(path, schemaPath string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read config: %w", err)
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	schema, err := compileSchema(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("config: failed to compile schema: %w", err)
	}

	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("config: config validation failed: %w", err)
	}

	config := Default()
	config.Model.Source = SourceConfig{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal into Config struct: %w", err)
	}
	if config.Model.Source.Local == nil && config.Model.Source.HuggingFace == nil {
		config.Model.SetLocalSource(DefaultModelDir)
	}

	return config, nil
}

func compileSchema(schemaPath string) (*jsonschema.Schema, error) {
	if schemaPath != "" {
		return jsonschema.Compile(schemaPath)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(SchemaName, bytes.NewReader(embeddedSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile(SchemaName)
}
