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

package memory

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEmbedding maps topic keywords onto fixed dimensions so similarity
// is deterministic without a real embedding endpoint.
func testEmbedding(_ context.Context, text string) ([]float32, error) {
	v := []float32{1, 0, 0, 0}
	lower := strings.ToLower(text)
	if strings.Contains(lower, "cardio") {
		v[1] = 5
	}
	if strings.Contains(lower, "radio") {
		v[2] = 5
	}
	if strings.Contains(lower, "lab") {
		v[3] = 5
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v, nil
}

func newTestService(t *testing.T, topK int) *Service {
	t.Helper()
	s, err := NewServiceWithEmbedding(topK, testEmbedding)
	require.NoError(t, err)
	return s
}

func TestService_NilIsSafe(t *testing.T) {
	var s *Service
	ctx := context.Background()

	s.Remember(ctx, "user-1", "anything")

	snippets, err := s.Recall(ctx, "anything", "user-1")
	require.NoError(t, err)
	assert.Nil(t, snippets)
}

func TestService_RememberAndRecall(t *testing.T) {
	s := newTestService(t, 3)
	ctx := context.Background()

	s.Remember(ctx, "user-1", "User asked about cardiology referrals.")
	s.Remember(ctx, "user-1", "User asked about lab thresholds.")

	snippets, err := s.Recall(ctx, "cardiology follow-up", "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, snippets)
	assert.Equal(t, "User asked about cardiology referrals.", snippets[0],
		"most similar snippet comes first")
}

func TestService_RecallIsScopedToUser(t *testing.T) {
	s := newTestService(t, 3)
	ctx := context.Background()

	s.Remember(ctx, "user-1", "User asked about radiology protocols.")
	s.Remember(ctx, "user-2", "User asked about radiology staffing.")

	snippets, err := s.Recall(ctx, "radiology", "user-1")
	require.NoError(t, err)
	require.Len(t, snippets, 1)
	assert.Equal(t, "User asked about radiology protocols.", snippets[0])
}

func TestService_RecallHonorsTopK(t *testing.T) {
	s := newTestService(t, 2)
	ctx := context.Background()

	for _, text := range []string{
		"User asked about lab panel A.",
		"User asked about lab panel B.",
		"User asked about lab panel C.",
		"User asked about lab panel D.",
	} {
		s.Remember(ctx, "user-1", text)
	}

	snippets, err := s.Recall(ctx, "lab panels", "user-1")
	require.NoError(t, err)
	assert.Len(t, snippets, 2)
}

func TestService_RecallColdStore(t *testing.T) {
	s := newTestService(t, 3)

	snippets, err := s.Recall(context.Background(), "anything", "user-1")
	require.NoError(t, err)
	assert.Empty(t, snippets)
}

func TestService_RecallEmptyQuery(t *testing.T) {
	s := newTestService(t, 3)
	s.Remember(context.Background(), "user-1", "User asked about labs.")

	snippets, err := s.Recall(context.Background(), "", "user-1")
	require.NoError(t, err)
	assert.Nil(t, snippets)
}

func TestService_RememberEmptyTextIgnored(t *testing.T) {
	s := newTestService(t, 3)
	ctx := context.Background()

	s.Remember(ctx, "user-1", "")

	snippets, err := s.Recall(ctx, "anything", "user-1")
	require.NoError(t, err)
	assert.Empty(t, snippets)
}
