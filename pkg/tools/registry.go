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
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/galenhq/galen/pkg/storage"
)

// ErrAlreadyRegistered is returned when a symbol is taken and overwrite
// was not requested.
var ErrAlreadyRegistered = errors.New("tool already registered")

type registryEntry struct {
	tool    Tool
	enabled bool
	// dynamic marks entries loaded from the store; Reconcile replaces
	// them wholesale and never touches statically registered tools.
	dynamic bool
}

// Registry is the process-wide tool catalogue keyed by symbol.
// Reads are frequent and cheap; writes happen at startup and during
// per-turn reconciliation with the store.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// RegisterOption configures a Register call.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	allowOverwrite bool
	dynamic        bool
}

// WithOverwrite allows replacing an existing registration.
func WithOverwrite() RegisterOption {
	return func(o *registerOptions) { o.allowOverwrite = true }
}

// Register adds a tool under its symbol. Registering a taken symbol is a
// warning no-op unless WithOverwrite is given.
func (r *Registry) Register(t Tool, opts ...RegisterOption) error {
	options := registerOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !t.Scope().Valid() {
		return fmt.Errorf("tool %s: invalid scope %q", t.Symbol(), t.Scope())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[t.Symbol()]; ok && !options.allowOverwrite {
		slog.Warn("Tool already registered, skipping", "symbol", t.Symbol())
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, t.Symbol())
	}

	r.entries[t.Symbol()] = &registryEntry{tool: t, enabled: true, dynamic: options.dynamic}
	return nil
}

// Get returns a tool by symbol, only if enabled.
func (r *Registry) Get(symbol string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[symbol]
	if !ok || !entry.enabled {
		return nil, false
	}
	return entry.tool, true
}

// Enable flips a tool's enabled bit on.
func (r *Registry) Enable(symbol string) {
	r.setEnabled(symbol, true)
}

// Disable makes a tool invisible to lookups and listings.
func (r *Registry) Disable(symbol string) {
	r.setEnabled(symbol, false)
}

func (r *Registry) setEnabled(symbol string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[symbol]; ok {
		entry.enabled = enabled
	}
}

// ListForScope returns the enabled tools whose scope equals the filter or
// is "both". A nil filter returns all enabled tools. Results are sorted
// by symbol for deterministic binding order.
func (r *Registry) ListForScope(filter *Scope) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Tool
	for _, entry := range r.entries {
		if !entry.enabled {
			continue
		}
		if filter == nil || entry.tool.Scope() == *filter || entry.tool.Scope() == ScopeBoth {
			result = append(result, entry.tool)
		}
	}
	sortTools(result)
	return result
}

// ListForSpecialist returns the enabled tools assigned to the specialist
// plus any enabled tool named in the specialist's declared symbols,
// deduplicated.
func (r *Registry) ListForSpecialist(specialistID int64, declaredSymbols []string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var result []Tool
	for _, entry := range r.entries {
		if !entry.enabled {
			continue
		}
		assigned := entry.tool.AssignedSpecialistID()
		if assigned != nil && *assigned == specialistID {
			result = append(result, entry.tool)
			seen[entry.tool.Symbol()] = true
		}
	}
	for _, symbol := range declaredSymbols {
		if seen[symbol] {
			continue
		}
		if entry, ok := r.entries[symbol]; ok && entry.enabled {
			result = append(result, entry.tool)
			seen[symbol] = true
		}
	}
	sortTools(result)
	return result
}

// Reconcile replaces all dynamically loaded tools with the given store
// records. Records of kind function and http both become HTTP-backed
// tools; a record without a usable endpoint is logged and skipped, never
// failing the turn. Statically registered tools win symbol conflicts.
func (r *Registry) Reconcile(records []*storage.ToolRecord, httpTimeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for symbol, entry := range r.entries {
		if entry.dynamic {
			delete(r.entries, symbol)
		}
	}

	for _, record := range records {
		if !record.Enabled {
			continue
		}
		if existing, ok := r.entries[record.Symbol]; ok && !existing.dynamic {
			slog.Warn("Dynamic tool shadows static registration, skipping", "symbol", record.Symbol)
			continue
		}
		tool, err := NewHTTPTool(record, httpTimeout)
		if err != nil {
			slog.Warn("Skipping bad dynamic tool", "symbol", record.Symbol, "error", err)
			continue
		}
		r.entries[record.Symbol] = &registryEntry{tool: tool, enabled: true, dynamic: true}
	}
}

// Count returns the number of registered tools, enabled or not.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func sortTools(list []Tool) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].Symbol() < list[j].Symbol()
	})
}

// InScopeForMain reports whether the main agent may call the tool
// directly: scope global or both.
func InScopeForMain(t Tool) bool {
	return t.Scope() == ScopeGlobal || t.Scope() == ScopeBoth
}
