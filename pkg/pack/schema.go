package pack

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// metadataSchema is the intake firewall for the open metadata map. Shape only:
// bounded size, sane key names, no deep nesting surprises. Semantic checks
// belong to the policy gate.
const metadataSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"maxProperties": 64,
	"propertyNames": {
		"pattern": "^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$"
	}
}`

func compileMetadataSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const schemaURL = "https://keel.schemas.local/package-metadata.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(metadataSchema)); err != nil {
		return nil, fmt.Errorf("pack: metadata schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("pack: metadata schema compile failed: %w", err)
	}
	return compiled, nil
}
