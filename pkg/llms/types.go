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

// Package llms defines the LLM provider contract and message types.
//
// Messages form a tagged union: the Role discriminates which fields are
// meaningful. Use the constructors; they keep the invariants (tool calls
// only on assistant messages, call IDs only on tool results).
package llms

import "context"

// Role discriminates message variants.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation. Append-only within a turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set only on assistant messages.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID is set only on tool-result messages and refers to the
	// originating ToolCall.ID.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// SystemMessage builds a system message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// UserMessage builds a user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage builds an assistant message, optionally carrying tool calls.
func AssistantMessage(text string, toolCalls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: toolCalls}
}

// ToolResultMessage builds a tool-result message bound to a prior call ID.
func ToolResultMessage(callID, text string) Message {
	return Message{Role: RoleTool, Content: text, ToolCallID: callID}
}

// ToolCall is an LLM request to invoke a tool.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolDefinition describes a tool bound to an LLM request.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage is the token accounting for one LLM call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// IsZero reports whether no tokens were recorded.
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

// Response is the result of a non-streaming call.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Stream chunk types.
const (
	ChunkTypeText     = "text"
	ChunkTypeToolCall = "tool_call"
	ChunkTypeDone     = "done"
	ChunkTypeError    = "error"
)

// StreamChunk is one element of a streaming response. The terminal chunk
// has Type "done" and carries the usage summary when the provider
// reported one.
type StreamChunk struct {
	Type     string
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
	Error    error
}

// Provider is the LLM capability the orchestration core depends on.
type Provider interface {
	// Invoke performs a non-streaming request.
	Invoke(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error)

	// Stream performs a streaming request. The returned channel is closed
	// after the terminal chunk. Implementations that cannot stream may
	// return ErrStreamingUnsupported; callers then degrade to Invoke.
	Stream(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error)

	// ModelName returns the configured model identifier.
	ModelName() string
}
