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

// Package specialists implements the specialist catalogue and the
// concurrent consultation scheduler.
package specialists

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/galenhq/galen/pkg/storage"
)

// CoreRoleClinicalText is the role of the built-in clinical text
// specialist. Core specialists are defined in code, not storage, and win
// role conflicts against persisted rows.
const CoreRoleClinicalText = "clinical_text"

const clinicalTextPrompt = `You are a clinical text specialist assisting a medical team.
You answer questions about patients using the tools available to you:
look up demographics, search clinical records, and fetch lab results.
Always ground your answer in tool output. Quote patient identifiers the
way the records state them. If the tools return nothing, say so plainly
rather than guessing.`

// Specialist is one catalogue entry.
type Specialist struct {
	ID           int64
	Role         string
	DisplayName  string
	Description  string
	SystemPrompt string
	ToolSymbols  []string
	Core         bool
}

// coreSpecialists returns the hard-coded seed set.
func coreSpecialists() []*Specialist {
	return []*Specialist{
		{
			Role:         CoreRoleClinicalText,
			DisplayName:  "Clinical Text",
			Description:  "Answers questions about patients from their clinical records.",
			SystemPrompt: clinicalTextPrompt,
			ToolSymbols:  []string{"query_patient_info", "search_patient_records", "get_lab_results"},
			Core:         true,
		},
	}
}

// Catalogue is an ordered role -> specialist mapping. Loaded at the
// start of every turn; not cached across turns.
type Catalogue struct {
	ordered []*Specialist
	byRole  map[string]*Specialist
}

// Load builds the catalogue: core specialists first, then every enabled
// persisted specialist whose role does not collide with a core role.
func Load(ctx context.Context, store *storage.Store) (*Catalogue, error) {
	c := &Catalogue{byRole: make(map[string]*Specialist)}
	for _, sp := range coreSpecialists() {
		c.ordered = append(c.ordered, sp)
		c.byRole[sp.Role] = sp
	}

	records, err := store.ListEnabledSpecialists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load specialists: %w", err)
	}
	for _, record := range records {
		if _, exists := c.byRole[record.Role]; exists {
			slog.Warn("Persisted specialist collides with core role, ignoring", "role", record.Role)
			continue
		}
		sp := &Specialist{
			ID:           record.ID,
			Role:         record.Role,
			DisplayName:  record.DisplayName,
			Description:  record.Description,
			SystemPrompt: record.SystemPrompt,
			ToolSymbols:  record.ToolSymbols,
		}
		if sp.DisplayName == "" {
			sp.DisplayName = sp.Role
		}
		c.ordered = append(c.ordered, sp)
		c.byRole[sp.Role] = sp
	}
	return c, nil
}

// NewCatalogue builds a catalogue from explicit entries, for tests and
// embedded setups. Entries keep their given order.
func NewCatalogue(entries ...*Specialist) *Catalogue {
	c := &Catalogue{byRole: make(map[string]*Specialist)}
	for _, sp := range entries {
		if _, exists := c.byRole[sp.Role]; exists {
			continue
		}
		c.ordered = append(c.ordered, sp)
		c.byRole[sp.Role] = sp
	}
	return c
}

// Get returns the specialist with the exact role.
func (c *Catalogue) Get(role string) (*Specialist, bool) {
	sp, ok := c.byRole[role]
	return sp, ok
}

// Resolve finds a specialist by role first, then by case-insensitive
// display name.
func (c *Catalogue) Resolve(nameOrRole string) (*Specialist, bool) {
	if sp, ok := c.byRole[nameOrRole]; ok {
		return sp, true
	}
	needle := strings.ToLower(strings.TrimSpace(nameOrRole))
	for _, sp := range c.ordered {
		if strings.ToLower(sp.DisplayName) == needle {
			return sp, true
		}
	}
	return nil, false
}

// Roles returns all roles in catalogue order.
func (c *Catalogue) Roles() []string {
	roles := make([]string, len(c.ordered))
	for i, sp := range c.ordered {
		roles[i] = sp.Role
	}
	return roles
}

// DisplayNames returns all display names sorted alphabetically, for
// human-readable error messages.
func (c *Catalogue) DisplayNames() []string {
	names := make([]string, len(c.ordered))
	for i, sp := range c.ordered {
		names[i] = sp.DisplayName
	}
	sort.Strings(names)
	return names
}

// Len returns the number of specialists.
func (c *Catalogue) Len() int {
	return len(c.ordered)
}
