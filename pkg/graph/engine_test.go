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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galenhq/galen/pkg/llms"
	"github.com/galenhq/galen/pkg/specialists"
	"github.com/galenhq/galen/pkg/tools"
)

// scriptProvider replays a scripted response per LLM call. Stream splits
// content into chunks like a real provider; Invoke returns it whole.
type scriptProvider struct {
	mu        sync.Mutex
	calls     int
	streaming bool
	script    func(call int) *llms.Response
	usage     *llms.Usage
}

func (p *scriptProvider) next() *llms.Response {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()
	return p.script(call)
}

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptProvider) Invoke(ctx context.Context, _ []llms.Message, _ []llms.ToolDefinition) (*llms.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp := p.next()
	if p.usage != nil {
		resp.Usage = *p.usage
	}
	return resp, nil
}

func (p *scriptProvider) Stream(ctx context.Context, _ []llms.Message, _ []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	if !p.streaming {
		return nil, llms.ErrStreamingUnsupported
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp := p.next()

	out := make(chan llms.StreamChunk, 16)
	go func() {
		defer close(out)
		for _, word := range strings.SplitAfter(resp.Content, " ") {
			if word != "" {
				out <- llms.StreamChunk{Type: llms.ChunkTypeText, Text: word}
			}
		}
		for i := range resp.ToolCalls {
			out <- llms.StreamChunk{Type: llms.ChunkTypeToolCall, ToolCall: &resp.ToolCalls[i]}
		}
		done := llms.StreamChunk{Type: llms.ChunkTypeDone}
		if p.usage != nil {
			u := *p.usage
			done.Usage = &u
		}
		out <- done
	}()
	return out, nil
}

func (p *scriptProvider) ModelName() string { return "script" }

type tzArgs struct {
	Timezone string `json:"timezone"`
}

type noArgs struct{}

func engineFixture(t *testing.T, provider llms.Provider, maxIterations int) (*Engine, *specialists.Catalogue) {
	t.Helper()

	registry := tools.NewRegistry()
	clock := tools.MustFunc(tools.FuncConfig{
		Symbol: "get_current_datetime",
		Scope:  tools.ScopeGlobal,
	}, func(_ context.Context, a tzArgs) (string, error) {
		return "2026-08-24 18:00:00 " + a.Timezone, nil
	})
	require.NoError(t, registry.Register(clock))

	secret := tools.MustFunc(tools.FuncConfig{
		Symbol: "secret_lookup",
		Scope:  tools.ScopeAssignable,
	}, func(context.Context, noArgs) (string, error) {
		return "classified", nil
	})
	require.NoError(t, registry.Register(secret))

	catalogue := specialists.NewCatalogue(&specialists.Specialist{
		Role:         "clinical_text",
		DisplayName:  "Clinical Text",
		SystemPrompt: "You answer from records.",
	})

	scheduler := specialists.NewScheduler(provider, registry, 5, 5*time.Second)
	engine := NewEngine(Config{
		LLM:           provider,
		Registry:      registry,
		Scheduler:     scheduler,
		MaxIterations: maxIterations,
	})
	return engine, catalogue
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var all []Event
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return all
			}
			all = append(all, event)
		case <-time.After(10 * time.Second):
			t.Fatal("event stream stalled")
		}
	}
}

func eventsOfType(all []Event, kind EventType) []Event {
	var matched []Event
	for _, e := range all {
		if e.Type == kind {
			matched = append(matched, e)
		}
	}
	return matched
}

func TestEngine_DirectToolPath(t *testing.T) {
	provider := &scriptProvider{streaming: true, script: func(call int) *llms.Response {
		if call == 1 {
			return &llms.Response{ToolCalls: []llms.ToolCall{{
				ID: "call-1", Name: "get_current_datetime",
				Args: map[string]any{"timezone": "Asia/Tokyo"},
			}}}
		}
		return &llms.Response{Content: "It is 18:00 in Tokyo."}
	}}
	engine, catalogue := engineFixture(t, provider, 0)

	state := &TurnState{Messages: []llms.Message{llms.UserMessage("What time is it in Tokyo?")}}
	all := collect(t, engine.Run(context.Background(), state, catalogue))

	toolCalls := eventsOfType(all, EventToolCall)
	require.Len(t, toolCalls, 1)
	assert.Equal(t, "get_current_datetime", toolCalls[0].ToolCall.Name)

	toolResults := eventsOfType(all, EventToolResult)
	require.Len(t, toolResults, 1)
	assert.Equal(t, "call-1", toolResults[0].ToolResultID)
	assert.Contains(t, toolResults[0].ToolResult, "Asia/Tokyo")

	assert.NotEmpty(t, eventsOfType(all, EventContent))
	assert.Equal(t, EventDone, all[len(all)-1].Type)
	assert.Equal(t, "It is 18:00 in Tokyo.", state.FinalReport)
	assert.Equal(t, 2, provider.callCount())
}

func TestEngine_ToolCallIDsRoundTrip(t *testing.T) {
	provider := &scriptProvider{streaming: true, script: func(call int) *llms.Response {
		if call == 1 {
			return &llms.Response{ToolCalls: []llms.ToolCall{
				{ID: "a", Name: "get_current_datetime", Args: map[string]any{"timezone": "UTC"}},
				{ID: "b", Name: "get_current_datetime", Args: map[string]any{"timezone": "CET"}},
			}}
		}
		return &llms.Response{Content: "done"}
	}}
	engine, catalogue := engineFixture(t, provider, 0)

	state := &TurnState{Messages: []llms.Message{llms.UserMessage("Two clocks please")}}
	all := collect(t, engine.Run(context.Background(), state, catalogue))

	calls := eventsOfType(all, EventToolCall)
	results := eventsOfType(all, EventToolResult)
	require.Len(t, calls, 2)
	require.Len(t, results, 2)
	for i := range calls {
		assert.Equal(t, calls[i].ToolCall.ID, results[i].ToolResultID)
	}
}

func TestEngine_ScopeViolation(t *testing.T) {
	provider := &scriptProvider{streaming: true, script: func(call int) *llms.Response {
		if call == 1 {
			return &llms.Response{ToolCalls: []llms.ToolCall{{
				ID: "call-1", Name: "secret_lookup", Args: map[string]any{},
			}}}
		}
		return &llms.Response{Content: "I could not access that tool."}
	}}
	engine, catalogue := engineFixture(t, provider, 0)

	state := &TurnState{Messages: []llms.Message{llms.UserMessage("Use the secret tool")}}
	all := collect(t, engine.Run(context.Background(), state, catalogue))

	results := eventsOfType(all, EventToolResult)
	require.Len(t, results, 1)
	assert.True(t, strings.HasPrefix(results[0].ToolResult, "Error: Tool 'secret_lookup' not found"),
		"got %q", results[0].ToolResult)

	// The turn continues gracefully to a normal completion.
	assert.Equal(t, EventDone, all[len(all)-1].Type)
	assert.Equal(t, "I could not access that tool.", state.FinalReport)
}

func TestEngine_Delegation(t *testing.T) {
	provider := &scriptProvider{streaming: true, script: func(call int) *llms.Response {
		switch call {
		case 1:
			return &llms.Response{ToolCalls: []llms.ToolCall{{
				ID:   "call-1",
				Name: DelegateToolName,
				Args: map[string]any{"specialist_name": "Clinical Text", "query": "Summarize patient 23."},
			}}}
		case 2:
			// The specialist's own LLM call (via the scheduler).
			return &llms.Response{Content: "Patient 23 is stable."}
		default:
			return &llms.Response{Content: "The specialist reports the patient is stable."}
		}
	}}
	engine, catalogue := engineFixture(t, provider, 0)

	state := &TurnState{Messages: []llms.Message{llms.UserMessage("How is patient 23?")}}
	all := collect(t, engine.Run(context.Background(), state, catalogue))

	results := eventsOfType(all, EventToolResult)
	require.Len(t, results, 1)
	assert.Equal(t, "REPORT FROM SPECIALIST **[Clinical Text]**:\nPatient 23 is stable.", results[0].ToolResult)
	assert.Equal(t, EventDone, all[len(all)-1].Type)
	assert.Nil(t, state.NextAgents, "delegation fan-out list is transient")
}

// consultingProvider drives a turn whose first assistant batch contains
// several delegation calls. Stream serves the main agent; Invoke serves
// the specialists, each taking specialistDelay and answering from its
// system prompt. Specialist queries are recorded per prompt.
type consultingProvider struct {
	mu              sync.Mutex
	streamCalls     int
	batch           []llms.ToolCall
	specialistDelay time.Duration
	answers         map[string]string // system prompt -> answer
	queries         map[string]string // system prompt -> received query
}

func (p *consultingProvider) Stream(_ context.Context, _ []llms.Message, _ []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	p.mu.Lock()
	p.streamCalls++
	first := p.streamCalls == 1
	p.mu.Unlock()

	out := make(chan llms.StreamChunk, len(p.batch)+2)
	if first {
		for i := range p.batch {
			out <- llms.StreamChunk{Type: llms.ChunkTypeToolCall, ToolCall: &p.batch[i]}
		}
	} else {
		out <- llms.StreamChunk{Type: llms.ChunkTypeText, Text: "All specialists replied."}
	}
	out <- llms.StreamChunk{Type: llms.ChunkTypeDone}
	close(out)
	return out, nil
}

func (p *consultingProvider) Invoke(ctx context.Context, messages []llms.Message, _ []llms.ToolDefinition) (*llms.Response, error) {
	select {
	case <-time.After(p.specialistDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	prompt := messages[0].Content
	p.mu.Lock()
	if p.queries == nil {
		p.queries = make(map[string]string)
	}
	p.queries[prompt] = messages[1].Content
	p.mu.Unlock()
	return &llms.Response{Content: p.answers[prompt]}, nil
}

func (p *consultingProvider) ModelName() string { return "consulting" }

func TestEngine_DelegationBatchRunsConcurrently(t *testing.T) {
	delay := 300 * time.Millisecond
	provider := &consultingProvider{
		batch: []llms.ToolCall{
			{ID: "d1", Name: DelegateToolName,
				Args: map[string]any{"specialist_name": "Clinical Text", "query": "Summarize the chart."}},
			{ID: "d2", Name: DelegateToolName,
				Args: map[string]any{"specialist_name": "Radiology", "query": "Read the scan."}},
		},
		specialistDelay: delay,
		answers: map[string]string{
			"You answer from records.": "The chart is stable.",
			"You read scans.":          "The scan is clean.",
		},
	}

	registry := tools.NewRegistry()
	catalogue := specialists.NewCatalogue(
		&specialists.Specialist{Role: "clinical_text", DisplayName: "Clinical Text", SystemPrompt: "You answer from records."},
		&specialists.Specialist{Role: "radiology", DisplayName: "Radiology", SystemPrompt: "You read scans."},
	)
	scheduler := specialists.NewScheduler(provider, registry, 5, 5*time.Second)
	engine := NewEngine(Config{LLM: provider, Registry: registry, Scheduler: scheduler})

	state := &TurnState{Messages: []llms.Message{llms.UserMessage("Full workup for patient 23.")}}
	started := time.Now()
	all := collect(t, engine.Run(context.Background(), state, catalogue))
	elapsed := time.Since(started)

	// Both consultations run in one fan-out, so the turn takes about the
	// slowest specialist rather than the sum of the two.
	assert.Less(t, elapsed, delay*3/2,
		"batch of two %v specialists took %v", delay, elapsed)

	results := eventsOfType(all, EventToolResult)
	require.Len(t, results, 2)
	assert.Equal(t, "d1", results[0].ToolResultID)
	assert.Equal(t, "REPORT FROM SPECIALIST **[Clinical Text]**:\nThe chart is stable.", results[0].ToolResult)
	assert.Equal(t, "d2", results[1].ToolResultID)
	assert.Equal(t, "REPORT FROM SPECIALIST **[Radiology]**:\nThe scan is clean.", results[1].ToolResult)

	// Each specialist received its own query.
	assert.Equal(t, "Summarize the chart.", provider.queries["You answer from records."])
	assert.Equal(t, "Read the scan.", provider.queries["You read scans."])

	assert.Equal(t, EventDone, all[len(all)-1].Type)
	assert.Nil(t, state.NextAgents)
}

func TestEngine_DelegationBatchMixedValidity(t *testing.T) {
	provider := &consultingProvider{
		batch: []llms.ToolCall{
			{ID: "good", Name: DelegateToolName,
				Args: map[string]any{"specialist_name": "Clinical Text", "query": "Summarize the chart."}},
			{ID: "bad", Name: DelegateToolName,
				Args: map[string]any{"specialist_name": "dermatology", "query": "Rash?"}},
		},
		answers: map[string]string{"You answer from records.": "The chart is stable."},
	}

	registry := tools.NewRegistry()
	catalogue := specialists.NewCatalogue(
		&specialists.Specialist{Role: "clinical_text", DisplayName: "Clinical Text", SystemPrompt: "You answer from records."},
	)
	scheduler := specialists.NewScheduler(provider, registry, 5, 5*time.Second)
	engine := NewEngine(Config{LLM: provider, Registry: registry, Scheduler: scheduler})

	state := &TurnState{Messages: []llms.Message{llms.UserMessage("Chart and rash.")}}
	all := collect(t, engine.Run(context.Background(), state, catalogue))

	results := eventsOfType(all, EventToolResult)
	require.Len(t, results, 2)
	assert.Equal(t, "good", results[0].ToolResultID)
	assert.Equal(t, "REPORT FROM SPECIALIST **[Clinical Text]**:\nThe chart is stable.", results[0].ToolResult)
	assert.Equal(t, "bad", results[1].ToolResultID)
	assert.Contains(t, results[1].ToolResult, "Error: unknown specialist 'dermatology'")
	assert.Equal(t, EventDone, all[len(all)-1].Type)
}

func TestEngine_DelegationUnknownSpecialist(t *testing.T) {
	provider := &scriptProvider{streaming: true, script: func(call int) *llms.Response {
		if call == 1 {
			return &llms.Response{ToolCalls: []llms.ToolCall{{
				ID:   "call-1",
				Name: DelegateToolName,
				Args: map[string]any{"specialist_name": "dermatology", "query": "Rash?"},
			}}}
		}
		return &llms.Response{Content: "There is no such specialist."}
	}}
	engine, catalogue := engineFixture(t, provider, 0)

	state := &TurnState{Messages: []llms.Message{llms.UserMessage("Ask dermatology")}}
	all := collect(t, engine.Run(context.Background(), state, catalogue))

	results := eventsOfType(all, EventToolResult)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].ToolResult, "Error: unknown specialist 'dermatology'")
	assert.Contains(t, results[0].ToolResult, "Clinical Text")
	assert.Equal(t, EventDone, all[len(all)-1].Type)
}

func TestEngine_IterationCap(t *testing.T) {
	// The model never stops calling tools; the engine must.
	provider := &scriptProvider{streaming: true, script: func(int) *llms.Response {
		return &llms.Response{ToolCalls: []llms.ToolCall{{
			ID: "loop", Name: "get_current_datetime", Args: map[string]any{"timezone": "UTC"},
		}}}
	}}
	maxIterations := 3
	engine, catalogue := engineFixture(t, provider, maxIterations)

	state := &TurnState{Messages: []llms.Message{llms.UserMessage("Loop forever")}}
	all := collect(t, engine.Run(context.Background(), state, catalogue))

	assert.Equal(t, maxIterations, provider.callCount(),
		"the overflow step must not spend another LLM call")
	assert.Equal(t, EventDone, all[len(all)-1].Type)

	contents := eventsOfType(all, EventContent)
	require.NotEmpty(t, contents)
	final := contents[len(contents)-1].Content
	assert.Equal(t, final, state.FinalReport)
	assert.NotEmpty(t, state.FinalReport)

	last := state.LastMessage()
	require.NotNil(t, last)
	assert.Equal(t, llms.RoleAssistant, last.Role)
}

func TestEngine_UsageEvents(t *testing.T) {
	provider := &scriptProvider{
		streaming: true,
		usage:     &llms.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		script: func(int) *llms.Response {
			return &llms.Response{Content: "short answer"}
		},
	}
	engine, catalogue := engineFixture(t, provider, 0)

	state := &TurnState{Messages: []llms.Message{llms.UserMessage("Hi")}}
	all := collect(t, engine.Run(context.Background(), state, catalogue))

	usages := eventsOfType(all, EventUsage)
	require.Len(t, usages, 1)
	assert.Equal(t, 15, usages[0].Usage.TotalTokens)
}

func TestEngine_NonStreamingDegradation(t *testing.T) {
	provider := &scriptProvider{streaming: false, script: func(int) *llms.Response {
		return &llms.Response{Content: "full response at once"}
	}}
	engine, catalogue := engineFixture(t, provider, 0)

	state := &TurnState{Messages: []llms.Message{llms.UserMessage("Hi")}}
	all := collect(t, engine.Run(context.Background(), state, catalogue))

	contents := eventsOfType(all, EventContent)
	require.Len(t, contents, 1, "blocking mode emits one synthetic content event")
	assert.Equal(t, "full response at once", contents[0].Content)
	assert.Equal(t, EventDone, all[len(all)-1].Type)
}

func TestEngine_Cancellation(t *testing.T) {
	provider := &scriptProvider{streaming: true, script: func(int) *llms.Response {
		return &llms.Response{ToolCalls: []llms.ToolCall{{
			ID: "loop", Name: "get_current_datetime", Args: map[string]any{"timezone": "UTC"},
		}}}
	}}
	engine, catalogue := engineFixture(t, provider, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state := &TurnState{Messages: []llms.Message{llms.UserMessage("Hi")}}
	all := collect(t, engine.Run(ctx, state, catalogue))

	require.NotEmpty(t, all)
	assert.Equal(t, EventError, all[len(all)-1].Type)
}
