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
	"strings"
	"time"

	"github.com/galenhq/galen/pkg/storage"
)

// RegisterBuiltins registers the built-in tool set. Called explicitly at
// startup; there is no side-effect registration on import.
func RegisterBuiltins(registry *Registry, store *storage.Store) error {
	builtins := []Tool{
		newDatetimeTool(),
		newPatientInfoTool(store),
		newPatientRecordsTool(store),
		newLabResultsTool(store),
	}
	for _, t := range builtins {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type datetimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name such as Asia/Tokyo. Defaults to UTC."`
}

func newDatetimeTool() Tool {
	return MustFunc(FuncConfig{
		Symbol:      "get_current_datetime",
		Description: "Get the current date and time, optionally in a specific timezone.",
		Scope:       ScopeGlobal,
	}, func(ctx context.Context, args datetimeArgs) (string, error) {
		loc := time.UTC
		if args.Timezone != "" {
			var err error
			loc, err = time.LoadLocation(args.Timezone)
			if err != nil {
				return "", fmt.Errorf("unknown timezone %q", args.Timezone)
			}
		}
		return time.Now().In(loc).Format("2006-01-02 15:04:05 MST"), nil
	})
}

type patientQueryArgs struct {
	Query string `json:"query" jsonschema:"required,description=Patient ID or (part of) a patient name"`
}

func newPatientInfoTool(store *storage.Store) Tool {
	return MustFunc(FuncConfig{
		Symbol:      "query_patient_info",
		Description: "Look up a patient's demographics by ID or name.",
		Scope:       ScopeAssignable,
	}, func(ctx context.Context, args patientQueryArgs) (string, error) {
		matches, err := store.SearchPatients(ctx, args.Query)
		if err != nil {
			return "", err
		}
		if len(matches) == 0 {
			return fmt.Sprintf("No patient found matching %q.", args.Query), nil
		}
		var b strings.Builder
		for _, p := range matches {
			fmt.Fprintf(&b, "Patient ID: %d, Name: %s, DOB: %s, Gender: %s\n",
				p.ID, p.Name, p.DOB, p.Gender)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	})
}

type recordSearchArgs struct {
	PatientID int64  `json:"patient_id" jsonschema:"required,description=Patient ID whose records to search"`
	Query     string `json:"query,omitempty" jsonschema:"description=Text to match in record titles or content. Empty returns all records."`
}

func newPatientRecordsTool(store *storage.Store) Tool {
	return MustFunc(FuncConfig{
		Symbol:      "search_patient_records",
		Description: "Search a patient's clinical records by text.",
		Scope:       ScopeAssignable,
	}, func(ctx context.Context, args recordSearchArgs) (string, error) {
		records, err := store.ListPatientRecords(ctx, args.PatientID)
		if err != nil {
			return "", err
		}
		needle := strings.ToLower(args.Query)
		var b strings.Builder
		for _, r := range records {
			if needle != "" &&
				!strings.Contains(strings.ToLower(r.Title), needle) &&
				!strings.Contains(strings.ToLower(r.Content), needle) {
				continue
			}
			fmt.Fprintf(&b, "[%s] %s: %s\n", r.CreatedAt.Format("2006-01-02"), r.Title, r.Content)
		}
		if b.Len() == 0 {
			return fmt.Sprintf("No records found for patient %d.", args.PatientID), nil
		}
		return strings.TrimRight(b.String(), "\n"), nil
	})
}

type labResultsArgs struct {
	PatientID int64 `json:"patient_id" jsonschema:"required,description=Patient ID whose lab results to fetch"`
}

func newLabResultsTool(store *storage.Store) Tool {
	return MustFunc(FuncConfig{
		Symbol:      "get_lab_results",
		Description: "Fetch a patient's laboratory results.",
		Scope:       ScopeAssignable,
	}, func(ctx context.Context, args labResultsArgs) (string, error) {
		records, err := store.ListPatientRecords(ctx, args.PatientID)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for _, r := range records {
			if !strings.Contains(strings.ToLower(r.Title), "lab") {
				continue
			}
			fmt.Fprintf(&b, "[%s] %s: %s\n", r.CreatedAt.Format("2006-01-02"), r.Title, r.Content)
		}
		if b.Len() == 0 {
			return fmt.Sprintf("No lab results found for patient %d.", args.PatientID), nil
		}
		return strings.TrimRight(b.String(), "\n"), nil
	})
}
