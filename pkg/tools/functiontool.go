// Copyright 2026 Galen Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// FuncConfig configures a typed function tool.
type FuncConfig struct {
	Symbol               string
	Description          string
	Scope                Scope
	AssignedSpecialistID *int64
}

// FuncTool adapts a typed Go function into a Tool. The argument schema
// is reflected from the Args struct's json and jsonschema tags.
type FuncTool[Args any] struct {
	cfg    FuncConfig
	schema map[string]any
	fn     func(ctx context.Context, args Args) (string, error)
}

// NewFunc builds a tool from a typed function.
//
// Example:
//
//	type dtArgs struct {
//	    Timezone string `json:"timezone" jsonschema:"required,description=IANA timezone name"`
//	}
//	tool, err := tools.NewFunc(cfg, func(ctx context.Context, a dtArgs) (string, error) { ... })
func NewFunc[Args any](cfg FuncConfig, fn func(ctx context.Context, args Args) (string, error)) (*FuncTool[Args], error) {
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if cfg.Scope == "" {
		cfg.Scope = ScopeGlobal
	}
	schema, err := reflectSchema[Args]()
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", cfg.Symbol, err)
	}
	return &FuncTool[Args]{cfg: cfg, schema: schema, fn: fn}, nil
}

// MustFunc is NewFunc that panics on error, for static registrations.
func MustFunc[Args any](cfg FuncConfig, fn func(ctx context.Context, args Args) (string, error)) *FuncTool[Args] {
	t, err := NewFunc(cfg, fn)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *FuncTool[Args]) Symbol() string               { return t.cfg.Symbol }
func (t *FuncTool[Args]) Description() string          { return t.cfg.Description }
func (t *FuncTool[Args]) Schema() map[string]any       { return t.schema }
func (t *FuncTool[Args]) Scope() Scope                 { return t.cfg.Scope }
func (t *FuncTool[Args]) AssignedSpecialistID() *int64 { return t.cfg.AssignedSpecialistID }

// Call decodes the argument map into the typed struct and invokes the
// function.
func (t *FuncTool[Args]) Call(ctx context.Context, args map[string]any) (string, error) {
	var typed Args
	if err := mapToStruct(args, &typed); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	return t.fn(ctx, typed)
}

// reflectSchema creates a JSON schema for a Go type using struct tags.
func reflectSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var schemaMap map[string]any
	if err := json.Unmarshal(data, &schemaMap); err != nil {
		return nil, err
	}
	delete(schemaMap, "$schema")
	delete(schemaMap, "$id")

	if schemaMap["type"] == "object" {
		result := map[string]any{
			"type":       "object",
			"properties": schemaMap["properties"],
		}
		if required := schemaMap["required"]; required != nil {
			result["required"] = required
		}
		if addProps, ok := schemaMap["additionalProperties"]; ok {
			result["additionalProperties"] = addProps
		}
		return result, nil
	}
	return schemaMap, nil
}

// mapToStruct converts an argument map to a typed struct via a JSON
// round-trip, which handles numeric type conversion properly.
func mapToStruct(m map[string]any, target any) error {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal args: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal args: %w", err)
	}
	return nil
}
