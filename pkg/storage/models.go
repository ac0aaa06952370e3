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

// Package storage persists chat sessions, messages, tool and specialist
// definitions, and the patient catalogue behind a single SQL store with
// sqlite, postgres, and mysql dialects.
package storage

import "time"

// MessageStatus is the lifecycle state of an assistant chat message.
// Transitions are pending -> streaming -> (completed | error | interrupted)
// and never go backwards.
type MessageStatus string

const (
	StatusPending     MessageStatus = "pending"
	StatusStreaming   MessageStatus = "streaming"
	StatusCompleted   MessageStatus = "completed"
	StatusError       MessageStatus = "error"
	StatusInterrupted MessageStatus = "interrupted"
)

// IsTerminal reports whether the status is final. Rows in a terminal
// status are immutable.
func (s MessageStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusInterrupted:
		return true
	}
	return false
}

// ChatSession groups the messages of one conversation.
type ChatSession struct {
	ID        string
	Title     string
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChatMessage is one persisted message. Assistant rows accumulate the
// streamed turn output: content, tool calls, logs, entity references,
// and token usage, all flushed incrementally.
type ChatMessage struct {
	ID        string
	SessionID string
	Role      string // user, assistant, system
	Content   string

	ToolCallsJSON         string
	Reasoning             string
	PatientReferencesJSON string
	LogsJSON              string
	TokenUsageJSON        string

	Status       MessageStatus
	TaskID       string
	ErrorMessage string

	StreamingStartedAt *time.Time
	CompletedAt        *time.Time
	CreatedAt          time.Time
	LastUpdatedAt      time.Time
}

// ToolRecord is a dynamically defined tool. Kind "http" tools POST their
// argument map to Endpoint; kind "function" tools are promoted to the
// same HTTP treatment.
type ToolRecord struct {
	ID                   int64
	Symbol               string
	DisplayName          string
	Description          string
	Kind                 string // function, http
	Scope                string // global, assignable, both
	AssignedSpecialistID *int64
	Enabled              bool
	Endpoint             string
	ParamsSchemaJSON     string
}

// SpecialistRecord is a persisted specialist definition.
type SpecialistRecord struct {
	ID           int64
	Role         string
	DisplayName  string
	Description  string
	SystemPrompt string
	Enabled      bool
	ToolSymbols  []string
}

// Patient is a catalogue entry used by the builtin tools and the entity
// detector.
type Patient struct {
	ID     int64
	Name   string
	DOB    string
	Gender string
}

// PatientRecord is a clinical document attached to a patient.
type PatientRecord struct {
	ID        int64
	PatientID int64
	Title     string
	Content   string
	CreatedAt time.Time
}
