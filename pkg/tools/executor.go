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
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Result is the uniform outcome of a tool execution.
type Result struct {
	OK    bool
	Value string
	Err   string
}

// Text returns what the LLM sees as the tool-result message.
func (r Result) Text() string {
	if r.OK {
		return r.Value
	}
	return "Error: " + r.Err
}

// Executor invokes registry tools by symbol. An optional allow predicate
// narrows visibility: a symbol outside it behaves exactly like an
// unregistered one, which is how scope violations surface.
type Executor struct {
	registry *Registry
	allow    func(Tool) bool
}

// NewExecutor creates an executor over the full enabled registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// NewScopedExecutor creates an executor restricted by a predicate.
func NewScopedExecutor(registry *Registry, allow func(Tool) bool) *Executor {
	return &Executor{registry: registry, allow: allow}
}

// Execute runs a tool synchronously. Errors, including panics in the
// tool body, are captured in the result and never propagate.
func (e *Executor) Execute(ctx context.Context, symbol string, args map[string]any) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Tool panicked", "symbol", symbol, "panic", r, "stack", string(debug.Stack()))
			result = Result{Err: fmt.Sprintf("tool '%s' panicked: %v", symbol, r)}
		}
	}()

	tool, ok := e.registry.Get(symbol)
	if ok && e.allow != nil && !e.allow(tool) {
		ok = false
	}
	if !ok {
		return Result{Err: fmt.Sprintf("Tool '%s' not found", symbol)}
	}

	value, err := tool.Call(ctx, args)
	if err != nil {
		return Result{Err: err.Error()}
	}
	return Result{OK: true, Value: value}
}
