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

package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/galenhq/galen/pkg/llms"
	"github.com/galenhq/galen/pkg/specialists"
	"github.com/galenhq/galen/pkg/tools"
)

// DefaultMaxIterations caps agent->tools->agent cycles per turn.
const DefaultMaxIterations = 10

// DelegateToolName is the synthetic delegation tool auto-injected into
// the main agent's tool set. It is not backed by the registry.
const DelegateToolName = "delegate_to_specialist"

const overflowMessage = "I have exceeded my tool-execution budget for this request and have to stop here. " +
	"Please narrow the question or ask again to continue."

const defaultSystemPrompt = `You are a clinical assistant coordinating a team of specialists.
Answer directly when you can. For questions that need patient data or
domain expertise, consult a specialist with the delegate_to_specialist
tool and synthesize their reports into one clear answer. Never invent
clinical facts.`

var tracer = otel.Tracer("github.com/galenhq/galen/pkg/graph")

// Engine advances a TurnState through the agent and tools nodes until
// the agent yields a message without tool calls or the iteration cap is
// reached. The engine never stops mid-tool-batch.
type Engine struct {
	llm           llms.Provider
	registry      *tools.Registry
	scheduler     *specialists.Scheduler
	systemPrompt  string
	maxIterations int
}

// Config assembles an Engine.
type Config struct {
	LLM           llms.Provider
	Registry      *tools.Registry
	Scheduler     *specialists.Scheduler
	SystemPrompt  string
	MaxIterations int
}

// NewEngine creates an engine. Zero MaxIterations falls back to the
// default; an empty SystemPrompt uses the built-in one.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &Engine{
		llm:           cfg.LLM,
		registry:      cfg.Registry,
		scheduler:     cfg.Scheduler,
		systemPrompt:  cfg.SystemPrompt,
		maxIterations: cfg.MaxIterations,
	}
}

// Run executes the turn and streams events. The channel is closed after
// a terminal Done or Error event. The state is owned by the engine
// goroutine until the channel closes.
func (e *Engine) Run(ctx context.Context, state *TurnState, catalogue *specialists.Catalogue) <-chan Event {
	events := make(chan Event, 128)
	go func() {
		defer close(events)

		ctx, span := tracer.Start(ctx, "graph.run")
		defer span.End()

		if err := e.run(ctx, state, catalogue, events); err != nil {
			span.RecordError(err)
			events <- Event{Type: EventError, Err: err.Error()}
			return
		}
		span.SetAttributes(attribute.Int("graph.steps", state.StepsTaken))
		events <- Event{Type: EventDone}
	}()
	return events
}

func (e *Engine) run(ctx context.Context, state *TurnState, catalogue *specialists.Catalogue, events chan<- Event) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// The step counter advances before the LLM call; hitting the cap
		// terminates without a further call, so a turn makes at most
		// maxIterations LLM invocations on the main path.
		state.StepsTaken++
		if state.StepsTaken > e.maxIterations {
			slog.Warn("Iteration cap reached, forcing termination", "steps", state.StepsTaken-1)
			state.Append(llms.AssistantMessage(overflowMessage))
			state.FinalReport = overflowMessage
			events <- Event{Type: EventContent, Content: overflowMessage}
			return nil
		}

		assistant, err := e.agentNode(ctx, state, events)
		if err != nil {
			return err
		}
		state.Append(*assistant)

		if len(assistant.ToolCalls) == 0 {
			state.FinalReport = assistant.Content
			return nil
		}

		e.toolsNode(ctx, state, catalogue, assistant.ToolCalls, events)
	}
}

// agentNode performs one streamed LLM call with the effective tool set:
// every global-scope tool plus the synthetic delegation tool.
func (e *Engine) agentNode(ctx context.Context, state *TurnState, events chan<- Event) (*llms.Message, error) {
	messages := make([]llms.Message, 0, len(state.Messages)+1)
	messages = append(messages, llms.SystemMessage(e.systemPrompt))
	messages = append(messages, state.Messages...)

	defs := e.mainToolDefinitions()

	stream, err := e.llm.Stream(ctx, messages, defs)
	if errors.Is(err, llms.ErrStreamingUnsupported) {
		return e.agentNodeBlocking(ctx, messages, defs, events)
	}
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	var toolCalls []llms.ToolCall
	for chunk := range stream {
		switch chunk.Type {
		case llms.ChunkTypeText:
			content.WriteString(chunk.Text)
			events <- Event{Type: EventContent, Content: chunk.Text}
		case llms.ChunkTypeToolCall:
			toolCalls = append(toolCalls, *chunk.ToolCall)
		case llms.ChunkTypeDone:
			if chunk.Usage != nil {
				events <- Event{Type: EventUsage, Usage: chunk.Usage}
			}
		case llms.ChunkTypeError:
			return nil, chunk.Error
		}
	}

	msg := llms.AssistantMessage(content.String(), toolCalls...)
	return &msg, nil
}

// agentNodeBlocking is the non-streaming degradation: one synthetic
// content event carrying the full response.
func (e *Engine) agentNodeBlocking(ctx context.Context, messages []llms.Message, defs []llms.ToolDefinition, events chan<- Event) (*llms.Message, error) {
	resp, err := e.llm.Invoke(ctx, messages, defs)
	if err != nil {
		return nil, err
	}
	if resp.Content != "" {
		events <- Event{Type: EventContent, Content: resp.Content}
	}
	if !resp.Usage.IsZero() {
		usage := resp.Usage
		events <- Event{Type: EventUsage, Usage: &usage}
	}
	msg := llms.AssistantMessage(resp.Content, resp.ToolCalls...)
	return &msg, nil
}

// toolsNode completes the whole batch; every call gets a result. The
// batch's delegation calls are consulted as one scheduler request so
// their specialists run concurrently, then results are emitted in call
// order alongside the sequentially executed registry tools.
func (e *Engine) toolsNode(ctx context.Context, state *TurnState, catalogue *specialists.Catalogue, calls []llms.ToolCall, events chan<- Event) {
	executor := tools.NewScopedExecutor(e.registry, tools.InScopeForMain)

	for i := range calls {
		events <- Event{Type: EventToolCall, ToolCall: &calls[i]}
	}

	delegated, consultSeconds := e.delegate(ctx, state, catalogue, calls, events)

	for _, call := range calls {
		started := time.Now()
		var resultText string
		var elapsed float64
		if text, ok := delegated[call.ID]; ok {
			resultText = text
			elapsed = consultSeconds
		} else {
			resultText = executor.Execute(ctx, call.Name, call.Args).Text()
			elapsed = time.Since(started).Seconds()
		}

		events <- Event{Type: EventToolResult, ToolResultID: call.ID, ToolResult: resultText}
		events <- Event{Type: EventLog, Log: &LogPayload{
			Message:  fmt.Sprintf("Tool %s completed", call.Name),
			Level:    "info",
			Duration: &elapsed,
		}}
		state.Append(llms.ToolResultMessage(call.ID, resultText))
	}
}

// delegate resolves the batch's delegation calls and consults every
// target in one scheduler request. It returns the report text keyed by
// originating call ID, plus the consultation wall-clock seconds.
// Malformed and unknown-specialist calls get error-shaped results
// without consuming a consultation slot.
func (e *Engine) delegate(ctx context.Context, state *TurnState, catalogue *specialists.Catalogue, calls []llms.ToolCall, events chan<- Event) (map[string]string, float64) {
	results := make(map[string]string)

	var ids, roles, queries []string
	for _, call := range calls {
		if call.Name != DelegateToolName {
			continue
		}
		name, _ := call.Args["specialist_name"].(string)
		query, _ := call.Args["query"].(string)
		if name == "" || query == "" {
			results[call.ID] = "Error: delegate_to_specialist requires both specialist_name and query."
			continue
		}
		sp, ok := catalogue.Resolve(name)
		if !ok {
			results[call.ID] = fmt.Sprintf("Error: unknown specialist '%s'. Available specialists: %s.",
				name, strings.Join(catalogue.DisplayNames(), ", "))
			continue
		}
		ids = append(ids, call.ID)
		roles = append(roles, sp.Role)
		queries = append(queries, query)
	}
	if len(ids) == 0 {
		return results, 0
	}

	state.NextAgents = roles
	defer func() { state.NextAgents = nil }()

	started := time.Now()
	reports := e.scheduler.Consult(ctx, specialists.Request{
		Roles:     roles,
		Queries:   queries,
		Catalogue: catalogue,
		OnLog: func(entry specialists.LogEntry) {
			events <- Event{Type: EventLog, Log: &LogPayload{
				Message:  entry.Message,
				Level:    entry.Level,
				Duration: entry.Duration,
			}}
		},
	})
	elapsed := time.Since(started).Seconds()

	if len(reports) != len(ids) {
		// Deadline and cancellation collapse the batch into one synthetic
		// report; every delegation call carries it.
		parts := make([]string, len(reports))
		for i, report := range reports {
			parts[i] = report.Content
		}
		joined := strings.Join(parts, "\n\n")
		for _, id := range ids {
			results[id] = joined
		}
		return results, elapsed
	}

	for i, id := range ids {
		results[id] = reports[i].Content
	}
	return results, elapsed
}

// mainToolDefinitions is the main agent's effective tool set.
func (e *Engine) mainToolDefinitions() []llms.ToolDefinition {
	scopeGlobal := tools.ScopeGlobal
	defs := tools.ToDefinitions(e.registry.ListForScope(&scopeGlobal))
	defs = append(defs, llms.ToolDefinition{
		Name: DelegateToolName,
		Description: "Consult a specialist sub-agent. Use for questions that need " +
			"patient data or domain expertise beyond your own.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"specialist_name": map[string]any{
					"type":        "string",
					"description": "Role or display name of the specialist to consult.",
				},
				"query": map[string]any{
					"type":        "string",
					"description": "The question to forward to the specialist.",
				},
			},
			"required": []string{"specialist_name", "query"},
		},
	})
	return defs
}
