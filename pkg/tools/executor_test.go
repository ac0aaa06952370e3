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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noArgs struct{}

func TestExecutor_Execute(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("echo", ScopeGlobal, nil)))
	e := NewExecutor(r)

	t.Run("success", func(t *testing.T) {
		result := e.Execute(context.Background(), "echo", map[string]any{"text": "hello"})
		assert.True(t, result.OK)
		assert.Equal(t, "hello", result.Text())
	})

	t.Run("unknown symbol", func(t *testing.T) {
		result := e.Execute(context.Background(), "nope", nil)
		assert.False(t, result.OK)
		assert.Equal(t, "Error: Tool 'nope' not found", result.Text())
	})

	t.Run("tool error becomes result text", func(t *testing.T) {
		failing := MustFunc(FuncConfig{Symbol: "fail", Scope: ScopeGlobal},
			func(context.Context, noArgs) (string, error) {
				return "", errors.New("backend unavailable")
			})
		require.NoError(t, r.Register(failing))

		result := e.Execute(context.Background(), "fail", nil)
		assert.False(t, result.OK)
		assert.Equal(t, "Error: backend unavailable", result.Text())
	})

	t.Run("panic is contained", func(t *testing.T) {
		panicky := MustFunc(FuncConfig{Symbol: "boom", Scope: ScopeGlobal},
			func(context.Context, noArgs) (string, error) {
				panic("unexpected state")
			})
		require.NoError(t, r.Register(panicky))

		result := e.Execute(context.Background(), "boom", nil)
		assert.False(t, result.OK)
		assert.Contains(t, result.Text(), "panicked")
	})
}

func TestExecutor_ScopeViolation(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("secret_lookup", ScopeAssignable, nil)))
	require.NoError(t, r.Register(echoTool("public_echo", ScopeGlobal, nil)))

	e := NewScopedExecutor(r, InScopeForMain)

	t.Run("assignable tool invisible to main scope", func(t *testing.T) {
		result := e.Execute(context.Background(), "secret_lookup", map[string]any{"text": "x"})
		assert.Equal(t, "Error: Tool 'secret_lookup' not found", result.Text())
	})

	t.Run("global tool still callable", func(t *testing.T) {
		result := e.Execute(context.Background(), "public_echo", map[string]any{"text": "ok"})
		assert.Equal(t, "ok", result.Text())
	})
}

func TestFuncTool_SchemaAndArgs(t *testing.T) {
	tool := echoTool("echo", ScopeGlobal, nil)

	schema := tool.Schema()
	assert.Equal(t, "object", schema["type"])
	properties, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, properties, "text")
	assert.Contains(t, schema["required"], "text")

	t.Run("numeric coercion through json round trip", func(t *testing.T) {
		type sumArgs struct {
			A int `json:"a"`
			B int `json:"b"`
		}
		sum := MustFunc(FuncConfig{Symbol: "sum", Scope: ScopeGlobal},
			func(_ context.Context, args sumArgs) (string, error) {
				return string(rune('0' + args.A + args.B)), nil
			})

		// JSON-decoded args arrive as float64.
		out, err := sum.Call(context.Background(), map[string]any{"a": float64(2), "b": float64(3)})
		require.NoError(t, err)
		assert.Equal(t, "5", out)
	})

	t.Run("malformed args fail cleanly", func(t *testing.T) {
		_, err := tool.Call(context.Background(), map[string]any{"text": []int{1, 2}})
		assert.Error(t, err)
	})
}
