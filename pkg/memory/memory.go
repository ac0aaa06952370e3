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

// Package memory provides long-term recall over past conversation
// snippets, backed by an embedded vector store.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/galenhq/galen/pkg/config"
)

const collectionName = "turn_memory"

// DefaultTopK is the number of snippets recalled per turn.
const DefaultTopK = 3

// Service stores and recalls per-user conversation snippets. All
// vectors live in process memory; recall degrades to empty results when
// the store is cold.
type Service struct {
	mu         sync.Mutex
	collection *chromem.Collection
	topK       int
	nextID     int
}

// NewService builds a recall service using the configured
// OpenAI-compatible endpoint for embeddings. Returns nil when memory is
// disabled; a nil *Service is safe to call and recalls nothing.
func NewService(memCfg config.MemoryConfig, llmCfg config.LLMConfig) (*Service, error) {
	if !memCfg.Enabled {
		return nil, nil
	}

	embed := chromem.NewEmbeddingFuncOpenAICompat(llmCfg.BaseURL, llmCfg.APIKey,
		string(chromem.EmbeddingModelOpenAI3Small), nil)

	db := chromem.NewDB()
	collection, err := db.GetOrCreateCollection(collectionName, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory collection: %w", err)
	}

	topK := memCfg.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Service{collection: collection, topK: topK}, nil
}

// NewServiceWithEmbedding builds a service with an explicit embedding
// function, for tests.
func NewServiceWithEmbedding(topK int, embed chromem.EmbeddingFunc) (*Service, error) {
	db := chromem.NewDB()
	collection, err := db.GetOrCreateCollection(collectionName, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory collection: %w", err)
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Service{collection: collection, topK: topK}, nil
}

// Remember stores one snippet for the user. Failures are logged, not
// fatal; memory is best effort.
func (s *Service) Remember(ctx context.Context, userID, text string) {
	if s == nil || text == "" {
		return
	}
	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("%s-%d", userID, s.nextID)
	s.mu.Unlock()

	err := s.collection.AddDocument(ctx, chromem.Document{
		ID:       id,
		Content:  text,
		Metadata: map[string]string{"user_id": userID},
	})
	if err != nil {
		slog.Warn("Failed to store memory snippet", "user_id", userID, "error", err)
	}
}

// Recall returns up to topK snippets relevant to the query, most
// similar first, restricted to the user's own history.
func (s *Service) Recall(ctx context.Context, query, userID string) ([]string, error) {
	if s == nil || query == "" {
		return nil, nil
	}

	n := s.topK
	if count := s.collection.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	results, err := s.collection.Query(ctx, query, n, map[string]string{"user_id": userID}, nil)
	if err != nil {
		return nil, fmt.Errorf("memory recall failed: %w", err)
	}

	snippets := make([]string, 0, len(results))
	for _, r := range results {
		snippets = append(snippets, r.Content)
	}
	return snippets, nil
}
