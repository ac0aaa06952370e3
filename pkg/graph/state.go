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

// Package graph drives a single turn through the cyclic agent/tools
// state machine with a bounded iteration count.
package graph

import "github.com/galenhq/galen/pkg/llms"

// PatientProfile is the patient context injected from the request.
type PatientProfile struct {
	ID   int64
	Name string
}

// TurnState is the value threaded through the graph. Messages are
// append-only; StepsTaken increases monotonically.
type TurnState struct {
	Messages       []llms.Message
	PatientProfile *PatientProfile
	StepsTaken     int

	// NextAgents is the transient list of specialist roles the current
	// delegation fans out to.
	NextAgents []string

	// FinalReport is the terminal assistant payload once the turn ends.
	FinalReport string
}

// Append adds messages to the state. There is no removal.
func (s *TurnState) Append(messages ...llms.Message) {
	s.Messages = append(s.Messages, messages...)
}

// LastMessage returns the most recent message, or nil.
func (s *TurnState) LastMessage() *llms.Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// Event types produced by the engine, in graph production order.
type EventType string

const (
	EventContent    EventType = "content"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventLog        EventType = "log"
	EventUsage      EventType = "usage"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// LogPayload is the body of a log event.
type LogPayload struct {
	Message  string   `json:"message"`
	Level    string   `json:"level"`
	Duration *float64 `json:"duration,omitempty"`
}

// Event is one element of the engine's output stream. Exactly one
// payload field is meaningful per type; Done and Error are always last.
type Event struct {
	Type EventType

	Content      string
	ToolCall     *llms.ToolCall
	ToolResultID string
	ToolResult   string
	Log          *LogPayload
	Usage        *llms.Usage
	Err          string
}
