package adapter

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/rynxs-labs/rynxs-core/pkg/canonical"
)

// agentSpecSchema is the boundary contract for observed agent specs. Unknown
// optional fields pass through (forward compatibility); known fields are
// type-checked before any of them reach the hashed surface.
const agentSpecSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"role": {"type": "string"},
		"permissions": {
			"type": "object",
			"properties": {
				"canAssignTasks": {"type": "boolean"},
				"canAccessAuditLogs": {"type": "boolean"},
				"canManageTeam": {"type": "boolean"}
			}
		},
		"image": {
			"type": "object",
			"properties": {
				"repository": {"type": "string"},
				"tag": {"type": "string"},
				"verify": {"type": "boolean"}
			}
		},
		"workspace": {
			"type": "object",
			"properties": {
				"size": {"type": "string", "pattern": "^[0-9]+(Ki|Mi|Gi|Ti)?$"},
				"storageClassName": {"type": "string"}
			}
		}
	}
}`

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("agent-spec.json", strings.NewReader(agentSpecSchema)); err != nil {
		return nil, err
	}
	return c.Compile("agent-spec.json")
})

// ValidateAgentSpec checks an observed spec against the boundary schema.
func ValidateAgentSpec(spec map[string]any) error {
	schema, err := compileSchema()
	if err != nil {
		return fmt.Errorf("adapter: schema compile: %w", err)
	}
	// The validator wants plain decoded JSON; canonicalize first so integral
	// floats are already collapsed and forbidden values fail with the
	// canonicalization error, not a schema one.
	canon, err := canonical.Canonicalize(spec)
	if err != nil {
		return err
	}
	if canon == nil {
		canon = map[string]any{}
	}
	if err := schema.Validate(toValidatorForm(canon)); err != nil {
		return fmt.Errorf("adapter: spec rejected: %w", err)
	}
	return nil
}

// toValidatorForm converts canonical int64 values into json.Number-free
// float64s the validator's type checks understand for "integer"/"number".
func toValidatorForm(v any) any {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = toValidatorForm(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = toValidatorForm(val)
		}
		return out
	default:
		return v
	}
}
