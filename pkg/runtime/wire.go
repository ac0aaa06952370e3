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

package runtime

import (
	"encoding/json"

	"github.com/galenhq/galen/pkg/entities"
	"github.com/galenhq/galen/pkg/graph"
	"github.com/galenhq/galen/pkg/llms"
	"github.com/galenhq/galen/pkg/storage"
)

// Channel returns the bus channel name for an assistant message.
func Channel(assistantMessageID string) string {
	return "chat:message:" + assistantMessageID
}

// Wire frames published on the bus. Each frame is one JSON object with a
// type discriminator.

type contentFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type toolCallFrame struct {
	Type string         `json:"type"`
	ID   string         `json:"id"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

type toolResultFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Result string `json:"result"`
}

type logFrame struct {
	Type    string           `json:"type"`
	Content graph.LogPayload `json:"content"`
}

type usageFrame struct {
	Type  string     `json:"type"`
	Usage llms.Usage `json:"usage"`
}

type referencesFrame struct {
	Type              string               `json:"type"`
	PatientReferences []entities.Reference `json:"patient_references"`
}

type doneFrame struct {
	Type string `json:"type"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type statusFrame struct {
	Type              string          `json:"type"`
	Status            string          `json:"status"`
	Content           string          `json:"content,omitempty"`
	ToolCalls         json.RawMessage `json:"tool_calls,omitempty"`
	Reasoning         string          `json:"reasoning,omitempty"`
	Logs              json.RawMessage `json:"logs,omitempty"`
	PatientReferences json.RawMessage `json:"patient_references,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	Usage             json.RawMessage `json:"usage,omitempty"`
}

func mustJSON(v any) []byte {
	blob, err := json.Marshal(v)
	if err != nil {
		// The frame types above cannot fail to marshal.
		panic(err)
	}
	return blob
}

// ContentFrame encodes one content delta.
func ContentFrame(delta string) []byte {
	return mustJSON(contentFrame{Type: "content", Content: delta})
}

// ToolCallFrame encodes a tool invocation announcement.
func ToolCallFrame(id, tool string, args map[string]any) []byte {
	if args == nil {
		args = map[string]any{}
	}
	return mustJSON(toolCallFrame{Type: "tool_call", ID: id, Tool: tool, Args: args})
}

// ToolResultFrame encodes a tool result.
func ToolResultFrame(id, result string) []byte {
	return mustJSON(toolResultFrame{Type: "tool_result", ID: id, Result: result})
}

// LogFrame encodes an execution log entry.
func LogFrame(p graph.LogPayload) []byte {
	return mustJSON(logFrame{Type: "log", Content: p})
}

// UsageFrame encodes a usage increment.
func UsageFrame(u llms.Usage) []byte {
	return mustJSON(usageFrame{Type: "usage", Usage: u})
}

// ReferencesFrame encodes newly detected patient reference spans.
func ReferencesFrame(refs []entities.Reference) []byte {
	return mustJSON(referencesFrame{Type: "patient_references", PatientReferences: refs})
}

// DoneFrame encodes the terminal success frame.
func DoneFrame() []byte {
	return mustJSON(doneFrame{Type: "done"})
}

// ErrorFrame encodes the terminal failure frame.
func ErrorFrame(message string) []byte {
	return mustJSON(errorFrame{Type: "error", Message: message})
}

// StatusFrame encodes a durable-row snapshot for catch-up consumers.
// JSON columns are embedded verbatim when present.
func StatusFrame(m *storage.ChatMessage) []byte {
	frame := statusFrame{
		Type:         "status",
		Status:       string(m.Status),
		Content:      m.Content,
		Reasoning:    m.Reasoning,
		ErrorMessage: m.ErrorMessage,
	}
	if m.ToolCallsJSON != "" {
		frame.ToolCalls = json.RawMessage(m.ToolCallsJSON)
	}
	if m.LogsJSON != "" {
		frame.Logs = json.RawMessage(m.LogsJSON)
	}
	if m.PatientReferencesJSON != "" {
		frame.PatientReferences = json.RawMessage(m.PatientReferencesJSON)
	}
	if m.TokenUsageJSON != "" {
		frame.Usage = json.RawMessage(m.TokenUsageJSON)
	}
	return mustJSON(frame)
}
