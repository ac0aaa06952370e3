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

// Package tools implements the tool registry and executor.
//
// Every tool has a stable snake_case symbol and a scope restricting who
// may invoke it: global tools belong to the main agent, assignable tools
// to the specialist they are assigned to, and both-scoped tools to
// either. Disabled tools are invisible to lookups and listings.
package tools

import (
	"context"

	"github.com/galenhq/galen/pkg/llms"
)

// Scope restricts which actor may invoke a tool.
type Scope string

const (
	ScopeGlobal     Scope = "global"
	ScopeAssignable Scope = "assignable"
	ScopeBoth       Scope = "both"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeAssignable, ScopeBoth:
		return true
	}
	return false
}

// Tool is an invocable capability.
type Tool interface {
	// Symbol returns the unique snake_case identifier.
	Symbol() string

	// Description tells the LLM what the tool does.
	Description() string

	// Schema returns the JSON schema of the argument object, nil when the
	// tool takes no arguments.
	Schema() map[string]any

	// Scope returns the tool's visibility scope.
	Scope() Scope

	// AssignedSpecialistID returns the owning specialist for assignable
	// tools, nil otherwise.
	AssignedSpecialistID() *int64

	// Call invokes the tool. The returned string is what the LLM sees in
	// the next tool-result message.
	Call(ctx context.Context, args map[string]any) (string, error)
}

// ToDefinition converts a tool to an LLM tool definition.
func ToDefinition(t Tool) llms.ToolDefinition {
	params := t.Schema()
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return llms.ToolDefinition{
		Name:        t.Symbol(),
		Description: t.Description(),
		Parameters:  params,
	}
}

// ToDefinitions converts a tool list for binding to an LLM request.
func ToDefinitions(list []Tool) []llms.ToolDefinition {
	defs := make([]llms.ToolDefinition, len(list))
	for i, t := range list {
		defs[i] = ToDefinition(t)
	}
	return defs
}
