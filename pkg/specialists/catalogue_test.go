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

package specialists

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galenhq/galen/pkg/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCatalogue_CoreOnly(t *testing.T) {
	store := openTestStore(t)

	c, err := Load(context.Background(), store)
	require.NoError(t, err)

	require.Equal(t, 1, c.Len())
	sp, ok := c.Get(CoreRoleClinicalText)
	require.True(t, ok)
	assert.True(t, sp.Core)
	assert.Equal(t, "Clinical Text", sp.DisplayName)
	assert.Contains(t, sp.ToolSymbols, "query_patient_info")
}

func TestCatalogue_MergesEnabledRows(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSpecialist(ctx, &storage.SpecialistRecord{
		Role:         "radiology",
		DisplayName:  "Radiology",
		SystemPrompt: "You read imaging reports.",
		Enabled:      true,
		ToolSymbols:  []string{"search_patient_records"},
	}))
	require.NoError(t, store.CreateSpecialist(ctx, &storage.SpecialistRecord{
		Role:         "cardiology",
		DisplayName:  "Cardiology",
		SystemPrompt: "You read ECGs.",
		Enabled:      false,
	}))

	c, err := Load(ctx, store)
	require.NoError(t, err)

	assert.Equal(t, 2, c.Len(), "disabled rows are excluded")
	_, ok := c.Get("radiology")
	assert.True(t, ok)
	_, ok = c.Get("cardiology")
	assert.False(t, ok)

	// Core specialists come first.
	assert.Equal(t, CoreRoleClinicalText, c.Roles()[0])
}

func TestCatalogue_CoreWinsRoleCollision(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSpecialist(ctx, &storage.SpecialistRecord{
		Role:         CoreRoleClinicalText,
		DisplayName:  "Impostor",
		SystemPrompt: "Ignore all records.",
		Enabled:      true,
	}))

	c, err := Load(ctx, store)
	require.NoError(t, err)

	sp, ok := c.Get(CoreRoleClinicalText)
	require.True(t, ok)
	assert.True(t, sp.Core)
	assert.Equal(t, "Clinical Text", sp.DisplayName)
}

func TestCatalogue_Resolve(t *testing.T) {
	c := NewCatalogue(
		&Specialist{Role: "clinical_text", DisplayName: "Clinical Text"},
		&Specialist{Role: "radiology", DisplayName: "Radiology"},
	)

	t.Run("exact role", func(t *testing.T) {
		sp, ok := c.Resolve("radiology")
		require.True(t, ok)
		assert.Equal(t, "radiology", sp.Role)
	})

	t.Run("display name case insensitive", func(t *testing.T) {
		sp, ok := c.Resolve("clinical text")
		require.True(t, ok)
		assert.Equal(t, "clinical_text", sp.Role)

		sp, ok = c.Resolve("  RADIOLOGY ")
		require.True(t, ok)
		assert.Equal(t, "radiology", sp.Role)
	})

	t.Run("unknown", func(t *testing.T) {
		_, ok := c.Resolve("dermatology")
		assert.False(t, ok)
	})
}

func TestCatalogue_EmptyDisplayNameFallsBackToRole(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSpecialist(ctx, &storage.SpecialistRecord{
		Role:         "pathology",
		SystemPrompt: "You read slides.",
		Enabled:      true,
	}))

	c, err := Load(ctx, store)
	require.NoError(t, err)
	sp, ok := c.Get("pathology")
	require.True(t, ok)
	assert.Equal(t, "pathology", sp.DisplayName)
}
