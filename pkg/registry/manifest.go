package registry

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/ownables/pkg/sandbox"
)

// Manifest is the on-disk package description (YAML or JSON).
type Manifest struct {
	Name         string          `yaml:"name" json:"name"`
	Title        string          `yaml:"title" json:"title"`
	Description  string          `yaml:"description" json:"description"`
	Version      string          `yaml:"version" json:"version"`
	Runtime      sandbox.Runtime `yaml:"runtime" json:"runtime"`
	Module       string          `yaml:"module" json:"module"`
	Keywords     []string        `yaml:"keywords" json:"keywords"`
	Capabilities Capabilities    `yaml:"capabilities" json:"capabilities"`
}

const manifestSchemaURL = "https://ownables.dev/schemas/manifest.json"

const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "version", "capabilities"],
  "properties": {
    "name": {"type": "string", "pattern": "^[a-z][a-z0-9-]{0,63}$"},
    "title": {"type": "string", "maxLength": 120},
    "description": {"type": "string", "maxLength": 2000},
    "version": {"type": "string", "minLength": 1},
    "runtime": {"enum": ["wasm", "lua", "native"]},
    "module": {"type": "string", "pattern": "^[^/\\\\]+$"},
    "keywords": {"type": "array", "items": {"type": "string", "minLength": 1}, "maxItems": 32},
    "capabilities": {
      "type": "object",
      "properties": {
        "isDynamic": {"type": "boolean"},
        "isConsumable": {"type": "boolean"},
        "isTransferable": {"type": "boolean"},
        "hasMetadata": {"type": "boolean"},
        "hasWidgetState": {"type": "boolean"}
      },
      "additionalProperties": false
    }
  },
  "if": {"properties": {"capabilities": {"properties": {"isDynamic": {"const": true}}, "required": ["isDynamic"]}}},
  "then": {"required": ["runtime"]}
}`

var compiledManifestSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(manifestSchemaURL, strings.NewReader(manifestSchema)); err != nil {
		panic(fmt.Sprintf("manifest schema: %v", err))
	}
	return c.MustCompile(manifestSchemaURL)
}()

// ParseManifest decodes and validates a manifest. JSON is accepted as a
// subset of YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	if err := compiledManifestSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	return &m, nil
}
