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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galenhq/galen/pkg/storage"
)

type echoArgs struct {
	Text string `json:"text" jsonschema:"required,description=Text to echo back"`
}

func echoTool(symbol string, scope Scope, assigned *int64) Tool {
	return MustFunc(FuncConfig{
		Symbol:               symbol,
		Description:          "Echoes its input.",
		Scope:                scope,
		AssignedSpecialistID: assigned,
	}, func(_ context.Context, a echoArgs) (string, error) {
		return a.Text, nil
	})
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("echo", ScopeGlobal, nil)))

	got, ok := r.Get("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", got.Symbol())

	t.Run("duplicate is rejected without overwrite", func(t *testing.T) {
		err := r.Register(echoTool("echo", ScopeGlobal, nil))
		assert.ErrorIs(t, err, ErrAlreadyRegistered)
	})

	t.Run("overwrite replaces", func(t *testing.T) {
		replacement := echoTool("echo", ScopeBoth, nil)
		require.NoError(t, r.Register(replacement, WithOverwrite()))
		got, ok := r.Get("echo")
		require.True(t, ok)
		assert.Equal(t, ScopeBoth, got.Scope())
	})

	t.Run("invalid scope is rejected", func(t *testing.T) {
		err := r.Register(echoTool("bad", Scope("private"), nil))
		assert.Error(t, err)
	})
}

func TestRegistry_EnableDisable(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("echo", ScopeGlobal, nil)))

	r.Disable("echo")
	_, ok := r.Get("echo")
	assert.False(t, ok, "disabled tool must be invisible")
	assert.Empty(t, r.ListForScope(nil))
	assert.Equal(t, 1, r.Count(), "disabled tool stays registered")

	r.Enable("echo")
	_, ok = r.Get("echo")
	assert.True(t, ok)
}

func TestRegistry_ListForScope(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("global_a", ScopeGlobal, nil)))
	require.NoError(t, r.Register(echoTool("assignable_b", ScopeAssignable, nil)))
	require.NoError(t, r.Register(echoTool("both_c", ScopeBoth, nil)))

	t.Run("nil filter returns everything enabled", func(t *testing.T) {
		assert.Len(t, r.ListForScope(nil), 3)
	})

	t.Run("global filter includes both-scoped", func(t *testing.T) {
		scope := ScopeGlobal
		symbols := symbolsOf(r.ListForScope(&scope))
		assert.Equal(t, []string{"both_c", "global_a"}, symbols)
	})

	t.Run("assignable filter includes both-scoped", func(t *testing.T) {
		scope := ScopeAssignable
		symbols := symbolsOf(r.ListForScope(&scope))
		assert.Equal(t, []string{"assignable_b", "both_c"}, symbols)
	})
}

func TestRegistry_ListForSpecialist(t *testing.T) {
	specialistID := int64(4)
	other := int64(9)

	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("assigned_mine", ScopeAssignable, &specialistID)))
	require.NoError(t, r.Register(echoTool("assigned_other", ScopeAssignable, &other)))
	require.NoError(t, r.Register(echoTool("declared", ScopeAssignable, nil)))
	require.NoError(t, r.Register(echoTool("unrelated", ScopeAssignable, nil)))

	symbols := symbolsOf(r.ListForSpecialist(specialistID, []string{"declared", "assigned_mine", "missing"}))
	assert.Equal(t, []string{"assigned_mine", "declared"}, symbols)
}

func TestRegistry_Reconcile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "remote result")
	}))
	defer server.Close()

	record := func(symbol string, enabled bool) *storage.ToolRecord {
		return &storage.ToolRecord{
			Symbol:   symbol,
			Kind:     "http",
			Scope:    string(ScopeGlobal),
			Enabled:  enabled,
			Endpoint: server.URL,
		}
	}

	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("static_echo", ScopeGlobal, nil)))

	t.Run("loads enabled records as http tools", func(t *testing.T) {
		r.Reconcile([]*storage.ToolRecord{record("db_tool", true), record("disabled_tool", false)}, time.Second)

		tool, ok := r.Get("db_tool")
		require.True(t, ok)
		out, err := tool.Call(context.Background(), map[string]any{"q": "x"})
		require.NoError(t, err)
		assert.Equal(t, "remote result", out)

		_, ok = r.Get("disabled_tool")
		assert.False(t, ok)
	})

	t.Run("reload replaces previous dynamic set", func(t *testing.T) {
		r.Reconcile([]*storage.ToolRecord{record("db_tool_v2", true)}, time.Second)
		_, ok := r.Get("db_tool")
		assert.False(t, ok, "stale dynamic tool must be dropped")
		_, ok = r.Get("db_tool_v2")
		assert.True(t, ok)
	})

	t.Run("static registration wins symbol conflicts", func(t *testing.T) {
		r.Reconcile([]*storage.ToolRecord{record("static_echo", true)}, time.Second)
		tool, ok := r.Get("static_echo")
		require.True(t, ok)
		out, err := tool.Call(context.Background(), map[string]any{"text": "hi"})
		require.NoError(t, err)
		assert.Equal(t, "hi", out, "static tool must still answer")
	})

	t.Run("record without endpoint is skipped", func(t *testing.T) {
		bad := record("no_endpoint", true)
		bad.Endpoint = ""
		r.Reconcile([]*storage.ToolRecord{bad}, time.Second)
		_, ok := r.Get("no_endpoint")
		assert.False(t, ok)
	})
}

func symbolsOf(list []Tool) []string {
	symbols := make([]string, len(list))
	for i, tool := range list {
		symbols[i] = tool.Symbol()
	}
	return symbols
}
