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

package entities

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var catalogue = []Entity{
	{ID: 23, Name: "John Smith"},
	{ID: 7, Name: "Ana Silva"},
}

func TestDetectAll_NameMatch(t *testing.T) {
	t.Run("whole word case insensitive", func(t *testing.T) {
		refs := DetectAll("Lab results for JOHN SMITH look normal.", catalogue)
		require.Len(t, refs, 1)
		assert.Equal(t, int64(23), refs[0].EntityID)
		assert.Equal(t, "John Smith", refs[0].EntityName)
		assert.Equal(t, 16, refs[0].StartIndex)
		assert.Equal(t, 26, refs[0].EndIndex)
	})

	t.Run("embedded substring does not match", func(t *testing.T) {
		refs := DetectAll("Johnsmithson and Ana Silvazzz were not seen.", catalogue)
		assert.Empty(t, refs)
	})

	t.Run("punctuation is a boundary", func(t *testing.T) {
		refs := DetectAll("Patient (john smith) was discharged.", catalogue)
		require.Len(t, refs, 1)
		assert.Equal(t, int64(23), refs[0].EntityID)
	})
}

func TestDetectAll_IDPhrases(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"patient id colon", "Patient ID: 23 was admitted yesterday."},
		{"patient id whitespace", "patient id 23 was admitted."},
		{"patient hash", "Patient #23 was admitted."},
		{"patient no hash", "Patient 23 was admitted."},
		{"bare id", "See ID: 23 for details."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			refs := DetectAll(tc.text, catalogue)
			require.Len(t, refs, 1)
			assert.Equal(t, int64(23), refs[0].EntityID)
			assert.Equal(t, "John Smith", refs[0].EntityName)
		})
	}

	t.Run("different id does not match", func(t *testing.T) {
		refs := DetectAll("Patient ID: 99 is unknown.", []Entity{{ID: 23, Name: "John Smith"}})
		assert.Empty(t, refs)
	})

	t.Run("id must be whole number", func(t *testing.T) {
		refs := DetectAll("Patient ID: 234 is someone else.", []Entity{{ID: 23, Name: "John Smith"}})
		assert.Empty(t, refs)
	})
}

func TestDetectAll_GreedyNonOverlap(t *testing.T) {
	// "Patient ID: 23" embeds the shorter "ID: 23" span; only the longer
	// one survives.
	refs := DetectAll("Patient ID: 23", catalogue)
	require.Len(t, refs, 1)
	assert.Equal(t, 0, refs[0].StartIndex)
	assert.Equal(t, 14, refs[0].EndIndex)

	for i := 0; i < len(refs); i++ {
		for j := i + 1; j < len(refs); j++ {
			overlap := refs[i].StartIndex < refs[j].EndIndex && refs[j].StartIndex < refs[i].EndIndex
			assert.False(t, overlap, "spans %d and %d overlap", i, j)
		}
	}
}

func TestDetectAll_MultipleEntities(t *testing.T) {
	refs := DetectAll("John Smith was seen before Ana Silva.", catalogue)
	require.Len(t, refs, 2)
	assert.Equal(t, int64(23), refs[0].EntityID)
	assert.Equal(t, int64(7), refs[1].EntityID)
	assert.Less(t, refs[0].StartIndex, refs[1].StartIndex)
}

func TestDetectAll_RuneOffsets(t *testing.T) {
	// Multibyte text before the match must not skew offsets.
	refs := DetectAll("café visit: Ana Silva arrived", catalogue)
	require.Len(t, refs, 1)
	assert.Equal(t, 12, refs[0].StartIndex)
	assert.Equal(t, 21, refs[0].EndIndex)
}

func TestDetector_PassDedup(t *testing.T) {
	d := NewDetector(catalogue)

	first := d.Pass("John Smith was admitted.")
	require.Len(t, first, 1)

	// Same text again yields nothing new.
	assert.Empty(t, d.Pass("John Smith was admitted."))

	// Extended text yields only the new span.
	second := d.Pass("John Smith was admitted. Later, Ana Silva visited John Smith.")
	require.Len(t, second, 2)
	assert.Equal(t, int64(7), second[0].EntityID)
	assert.Equal(t, int64(23), second[1].EntityID)
	assert.Equal(t, 3, d.EmittedCount())
}

func TestDetector_PassCadence(t *testing.T) {
	d := NewDetector(catalogue)

	t.Run("large chunk triggers immediately", func(t *testing.T) {
		assert.True(t, d.ObserveChunk(strings.Repeat("x", 101)))
	})

	t.Run("every fiftieth chunk triggers", func(t *testing.T) {
		d := NewDetector(catalogue)
		fired := 0
		for i := 0; i < 100; i++ {
			if d.ObserveChunk("word ") {
				fired++
			}
		}
		assert.Equal(t, 2, fired)
	})
}

func TestDetector_FinalReconcile(t *testing.T) {
	d := NewDetector(catalogue)
	text := "Summary for Patient ID: 23.\nAna Silva reviewed the chart."

	// Stream in two passes over growing prefixes, then a final pass.
	d.Pass(text[:10])
	d.Pass(text[:30])
	d.Pass(text)

	// The union of everything emitted equals the greedy set on the final
	// text.
	assert.Equal(t, len(DetectAll(text, catalogue)), d.EmittedCount())
}
