package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// GenerateJSONSchema produces a JSON Schema Draft 2020-12 document from the
// playbook/v0 Document Go types.
func GenerateJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	s := r.Reflect(&Document{})
	s.ID = "https://github.com/ormasoftchile/scanbook/schemas/playbook-v0.json"
	s.Title = "Scanbook Playbook (playbook/v0)"
	s.Description = "Schema for playbook/v0 YAML documents (Draft 2020-12)"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal playbook schema: %w", err)
	}
	return data, nil
}
