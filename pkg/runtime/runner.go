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

// Package runtime orchestrates a single assistant turn: durable row
// transitions, graph execution, incremental flushes, and live event
// publication.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/galenhq/galen/pkg/bus"
	"github.com/galenhq/galen/pkg/config"
	"github.com/galenhq/galen/pkg/entities"
	"github.com/galenhq/galen/pkg/graph"
	"github.com/galenhq/galen/pkg/llms"
	"github.com/galenhq/galen/pkg/memory"
	"github.com/galenhq/galen/pkg/observability"
	"github.com/galenhq/galen/pkg/specialists"
	"github.com/galenhq/galen/pkg/storage"
	"github.com/galenhq/galen/pkg/tools"
)

// Flush policy during streaming. A partial row write happens when either
// threshold is crossed; neither write changes the row status.
const (
	DefaultFlushInterval = 5 * time.Second
	DefaultFlushEvents   = 50
)

// Turn is one unit of work handed to the runner by the task supervisor.
type Turn struct {
	SessionID          string
	AssistantMessageID string
	UserMessageID      string
	TaskID             string
	UserID             string
	UserMessage        string
	PatientID          *int64
	RecordID           *int64
}

// Runner executes turns. One Runner serves all workers; per-turn state
// lives on the stack of Run.
type Runner struct {
	store     *storage.Store
	bus       *bus.Bus
	engine    *graph.Engine
	registry  *tools.Registry
	memory    *memory.Service
	metrics   *observability.Metrics
	cfg       config.AgentConfig
	flushIval time.Duration
	flushMax  int
}

// NewRunner assembles a runner. The memory service and metrics may be
// nil.
func NewRunner(store *storage.Store, eventBus *bus.Bus, engine *graph.Engine, registry *tools.Registry, mem *memory.Service, metrics *observability.Metrics, cfg config.AgentConfig) *Runner {
	flushIval := cfg.FlushInterval
	if flushIval <= 0 {
		flushIval = DefaultFlushInterval
	}
	flushMax := cfg.FlushEvents
	if flushMax <= 0 {
		flushMax = DefaultFlushEvents
	}
	return &Runner{
		store:     store,
		bus:       eventBus,
		engine:    engine,
		registry:  registry,
		memory:    mem,
		metrics:   metrics,
		cfg:       cfg,
		flushIval: flushIval,
		flushMax:  flushMax,
	}
}

// toolCallBuffer is the persisted shape of one tool invocation.
type toolCallBuffer struct {
	ID     string         `json:"id"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
	Result string         `json:"result,omitempty"`
}

// turnBuffers accumulates everything the turn produces.
type turnBuffers struct {
	content   strings.Builder
	toolCalls []*toolCallBuffer
	logs      []graph.LogPayload
	refs      []entities.Reference
	usage     llms.Usage
}

func (b *turnBuffers) partial() storage.MessagePartial {
	p := storage.MessagePartial{Content: b.content.String()}
	if len(b.toolCalls) > 0 {
		blob, _ := json.Marshal(b.toolCalls)
		p.ToolCallsJSON = string(blob)
	}
	if len(b.logs) > 0 {
		blob, _ := json.Marshal(b.logs)
		p.LogsJSON = string(blob)
	}
	if len(b.refs) > 0 {
		blob, _ := json.Marshal(b.refs)
		p.PatientReferencesJSON = string(blob)
	}
	if !b.usage.IsZero() {
		blob, _ := json.Marshal(b.usage)
		p.TokenUsageJSON = string(blob)
	}
	return p
}

// ErrTurnAlreadyFinal reports that the assistant row was terminal before
// the attempt started, so the turn was skipped. The durable row, not the
// skipped attempt, holds the actual outcome.
var ErrTurnAlreadyFinal = errors.New("assistant row already terminal")

// Run drives one turn end to end. It returns nil when this attempt drove
// the turn to a terminal row, and ErrTurnAlreadyFinal when the row was
// terminal before the attempt started (idempotent restart).
func (r *Runner) Run(ctx context.Context, turn Turn) error {
	started := time.Now()
	err := r.store.MarkStreaming(ctx, turn.AssistantMessageID, turn.TaskID, started)
	if errors.Is(err, storage.ErrMessageTerminal) {
		slog.Info("Assistant row already terminal, skipping turn",
			"message_id", turn.AssistantMessageID, "task_id", turn.TaskID)
		return ErrTurnAlreadyFinal
	}
	if err != nil {
		return fmt.Errorf("failed to mark message streaming: %w", err)
	}

	channel := Channel(turn.AssistantMessageID)

	state, catalogue, detector, err := r.setup(ctx, turn)
	if err != nil {
		return r.fail(ctx, turn, channel, &turnBuffers{}, started, err)
	}

	return r.consume(ctx, turn, channel, state, catalogue, detector, started)
}

// setup reloads dynamic tools and specialists, builds the entity
// detector, and assembles the initial turn state.
func (r *Runner) setup(ctx context.Context, turn Turn) (*graph.TurnState, *specialists.Catalogue, *entities.Detector, error) {
	records, err := r.store.ListEnabledTools(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load dynamic tools: %w", err)
	}
	r.registry.Reconcile(records, r.cfg.ToolTimeout)

	catalogue, err := specialists.Load(ctx, r.store)
	if err != nil {
		return nil, nil, nil, err
	}

	patients, err := r.store.ListPatients(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load patients: %w", err)
	}
	known := make([]entities.Entity, len(patients))
	for i, p := range patients {
		known[i] = entities.Entity{ID: p.ID, Name: p.Name}
	}
	detector := entities.NewDetector(known)

	state, err := r.buildState(ctx, turn)
	if err != nil {
		return nil, nil, nil, err
	}
	return state, catalogue, detector, nil
}

// buildState assembles the message window: recall snippets, prior
// session messages, then the user message with its context prefix.
func (r *Runner) buildState(ctx context.Context, turn Turn) (*graph.TurnState, error) {
	state := &graph.TurnState{}

	snippets, err := r.memory.Recall(ctx, turn.UserMessage, turn.UserID)
	if err != nil {
		slog.Warn("Memory recall failed, continuing without", "error", err)
	}
	if len(snippets) > 0 {
		state.Append(llms.SystemMessage(
			"Relevant context from earlier conversations:\n- " + strings.Join(snippets, "\n- ")))
	}

	history, err := r.store.ListSessionMessages(ctx, turn.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}
	for _, m := range history {
		if m.ID == turn.AssistantMessageID || m.ID == turn.UserMessageID || m.Content == "" {
			continue
		}
		switch m.Role {
		case "user":
			state.Append(llms.UserMessage(m.Content))
		case "assistant":
			state.Append(llms.AssistantMessage(m.Content))
		case "system":
			state.Append(llms.SystemMessage(m.Content))
		}
	}

	userText := turn.UserMessage
	if turn.PatientID != nil {
		patient, err := r.store.GetPatient(ctx, *turn.PatientID)
		if err != nil {
			return nil, fmt.Errorf("failed to load patient %d: %w", *turn.PatientID, err)
		}
		userText = fmt.Sprintf("Context: Patient %s (DOB: %s, Gender: %s).\n%s",
			patient.Name, patient.DOB, patient.Gender, userText)
		state.PatientProfile = &graph.PatientProfile{ID: patient.ID, Name: patient.Name}
	}
	if turn.RecordID != nil {
		record, err := r.store.GetPatientRecord(ctx, *turn.RecordID)
		if err != nil {
			return nil, fmt.Errorf("failed to load record %d: %w", *turn.RecordID, err)
		}
		userText = fmt.Sprintf("%s\n\nAttached record [%s]:\n%s", userText, record.Title, record.Content)
	}
	state.Append(llms.UserMessage(userText))

	return state, nil
}

// consume runs the graph and processes its event stream until a
// terminal event.
func (r *Runner) consume(ctx context.Context, turn Turn, channel string, state *graph.TurnState, catalogue *specialists.Catalogue, detector *entities.Detector, started time.Time) error {
	buffers := &turnBuffers{}
	lastFlush := time.Now()
	eventsSinceFlush := 0
	toolStarts := make(map[string]time.Time)

	maybeFlush := func() {
		eventsSinceFlush++
		if eventsSinceFlush < r.flushMax && time.Since(lastFlush) < r.flushIval {
			return
		}
		if err := r.store.FlushPartial(ctx, turn.AssistantMessageID, buffers.partial(), time.Now()); err != nil {
			slog.Warn("Partial flush failed", "message_id", turn.AssistantMessageID, "error", err)
		}
		lastFlush = time.Now()
		eventsSinceFlush = 0
	}

	emitReferences := func(fresh []entities.Reference) {
		if len(fresh) == 0 {
			return
		}
		buffers.refs = append(buffers.refs, fresh...)
		r.bus.Publish(channel, ReferencesFrame(fresh))
		maybeFlush()
	}

	for event := range r.engine.Run(ctx, state, catalogue) {
		switch event.Type {
		case graph.EventContent:
			buffers.content.WriteString(event.Content)
			r.bus.Publish(channel, ContentFrame(event.Content))
			maybeFlush()
			if detector.ObserveChunk(event.Content) {
				emitReferences(detector.Pass(buffers.content.String()))
			}

		case graph.EventToolCall:
			buffers.toolCalls = append(buffers.toolCalls, &toolCallBuffer{
				ID:   event.ToolCall.ID,
				Tool: event.ToolCall.Name,
				Args: event.ToolCall.Args,
			})
			toolStarts[event.ToolCall.ID] = time.Now()
			r.bus.Publish(channel, ToolCallFrame(event.ToolCall.ID, event.ToolCall.Name, event.ToolCall.Args))
			maybeFlush()

		case graph.EventToolResult:
			for _, call := range buffers.toolCalls {
				if call.ID == event.ToolResultID {
					call.Result = event.ToolResult
					if begun, ok := toolStarts[call.ID]; ok {
						r.metrics.RecordToolCall(call.Tool, time.Since(begun).Seconds())
						delete(toolStarts, call.ID)
					}
					break
				}
			}
			r.bus.Publish(channel, ToolResultFrame(event.ToolResultID, event.ToolResult))
			maybeFlush()

		case graph.EventLog:
			buffers.logs = append(buffers.logs, *event.Log)
			r.bus.Publish(channel, LogFrame(*event.Log))
			maybeFlush()

		case graph.EventUsage:
			buffers.usage.Add(*event.Usage)
			r.metrics.RecordTokens(event.Usage.PromptTokens, event.Usage.CompletionTokens)
			r.bus.Publish(channel, UsageFrame(*event.Usage))
			maybeFlush()

		case graph.EventError:
			return r.fail(ctx, turn, channel, buffers, started, errors.New(event.Err))

		case graph.EventDone:
			// Final reconcile pass before the terminal frame.
			emitReferences(detector.Pass(buffers.content.String()))
			return r.complete(ctx, turn, channel, buffers, started)
		}
	}

	// The engine closed the stream without a terminal event; treat as a
	// worker fault.
	return r.fail(ctx, turn, channel, buffers, started, errors.New("event stream ended without a terminal event"))
}

// complete writes the completed terminal row and publishes done.
func (r *Runner) complete(ctx context.Context, turn Turn, channel string, buffers *turnBuffers, started time.Time) error {
	err := r.store.Finalize(ctx, turn.AssistantMessageID, storage.StatusCompleted, "", buffers.partial(), time.Now())
	if err != nil && !errors.Is(err, storage.ErrMessageTerminal) {
		r.bus.Publish(channel, ErrorFrame(err.Error()))
		r.bus.CloseChannel(channel)
		return fmt.Errorf("failed to finalize turn: %w", err)
	}

	r.metrics.RecordTurn(string(storage.StatusCompleted), time.Since(started).Seconds())
	r.bus.Publish(channel, DoneFrame())
	r.bus.CloseChannel(channel)

	r.memory.Remember(ctx, turn.UserID,
		fmt.Sprintf("User asked: %s\nAssistant answered: %s", turn.UserMessage, buffers.content.String()))
	return nil
}

// fail writes the error or interrupted terminal row, preserving all
// accumulated partials, and publishes a terminal error frame.
func (r *Runner) fail(ctx context.Context, turn Turn, channel string, buffers *turnBuffers, started time.Time, cause error) error {
	status := storage.StatusError
	message := cause.Error()
	if ctx.Err() != nil {
		status = storage.StatusInterrupted
		message = "turn cancelled: " + message
	}
	r.metrics.RecordTurn(string(status), time.Since(started).Seconds())

	// The row write must survive the cancelled context.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	err := r.store.Finalize(writeCtx, turn.AssistantMessageID, status, message, buffers.partial(), time.Now())
	if err != nil && !errors.Is(err, storage.ErrMessageTerminal) {
		slog.Error("Failed to write terminal row", "message_id", turn.AssistantMessageID, "error", err)
	}

	r.bus.Publish(channel, ErrorFrame(message))
	r.bus.CloseChannel(channel)
	return cause
}
