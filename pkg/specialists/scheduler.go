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

package specialists

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/galenhq/galen/pkg/llms"
	"github.com/galenhq/galen/pkg/tools"
)

// Defaults for the consultation scheduler.
const (
	DefaultMaxConcurrent = 5
	DefaultTimeout       = 30 * time.Second
)

// LogEntry is a structured log record produced during a consultation,
// forwarded to the turn's log buffer.
type LogEntry struct {
	Message  string
	Level    string
	Duration *float64 // seconds, set on tool completion entries
}

// Report is one specialist's contribution, already formatted for the
// main agent.
type Report struct {
	Role        string
	DisplayName string
	Content     string
	Failed      bool
}

// FormatReport wraps specialist output in the report envelope the main
// agent expects.
func FormatReport(displayName, content string) string {
	return fmt.Sprintf("REPORT FROM SPECIALIST **[%s]**:\n%s", displayName, content)
}

// Request is one consultation batch.
type Request struct {
	Roles []string
	// Query is asked of every role. When Queries carries one entry per
	// role, Queries[i] overrides it for Roles[i].
	Query     string
	Queries   []string
	Catalogue *Catalogue
	// OnLog receives tool start/finish entries. Optional.
	OnLog func(LogEntry)
}

// queryFor returns the effective query for the role at index i.
func (r Request) queryFor(i int) string {
	if len(r.Queries) == len(r.Roles) {
		return r.Queries[i]
	}
	return r.Query
}

// Scheduler fans a consultation out over specialist workers under a
// concurrency cap and a batch-wide wall-clock deadline.
type Scheduler struct {
	llm           llms.Provider
	registry      *tools.Registry
	maxConcurrent int64
	timeout       time.Duration
}

// NewScheduler creates a scheduler. Zero limits fall back to defaults.
func NewScheduler(llm llms.Provider, registry *tools.Registry, maxConcurrent int, timeout time.Duration) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Scheduler{
		llm:           llm,
		registry:      registry,
		maxConcurrent: int64(maxConcurrent),
		timeout:       timeout,
	}
}

// Consult runs the batch and returns reports in input role order.
//
// Unknown roles yield error-shaped reports without aborting the batch.
// A worker error becomes an error-shaped report. When the batch deadline
// expires the whole batch is cancelled and a single synthetic report is
// returned; partial results are discarded.
func (s *Scheduler) Consult(ctx context.Context, req Request) []Report {
	batchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sem := semaphore.NewWeighted(s.maxConcurrent)
	reports := make([]Report, len(req.Roles))
	var wg sync.WaitGroup

	for i, role := range req.Roles {
		sp, ok := req.Catalogue.Get(role)
		if !ok {
			reports[i] = Report{
				Role:    role,
				Content: FormatReport(role, fmt.Sprintf("Error: unknown specialist role '%s'.", role)),
				Failed:  true,
			}
			continue
		}

		wg.Add(1)
		go func(i int, sp *Specialist) {
			defer wg.Done()

			if err := sem.Acquire(batchCtx, 1); err != nil {
				reports[i] = s.errorReport(sp, err)
				return
			}
			defer sem.Release(1)

			content, err := s.consultOne(batchCtx, sp, req, req.queryFor(i))
			if err != nil {
				reports[i] = s.errorReport(sp, err)
				return
			}
			reports[i] = Report{
				Role:        sp.Role,
				DisplayName: sp.DisplayName,
				Content:     FormatReport(sp.DisplayName, content),
			}
		}(i, sp)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return reports
	case <-batchCtx.Done():
		cancel()
		// Let workers observe cancellation before returning; their
		// results are discarded either way.
		<-done
		if ctx.Err() != nil {
			// The turn itself was cancelled, not just the batch deadline.
			return []Report{{
				Content: FormatReport("Consultation", "Error: consultation cancelled."),
				Failed:  true,
			}}
		}
		slog.Warn("Specialist batch deadline exceeded",
			"roles", strings.Join(req.Roles, ","), "timeout", s.timeout)
		return []Report{{
			Content: FormatReport("Consultation",
				fmt.Sprintf("Error: specialist consultation exceeded the %s deadline; no results are available.", s.timeout)),
			Failed: true,
		}}
	}
}

func (s *Scheduler) errorReport(sp *Specialist, err error) Report {
	return Report{
		Role:        sp.Role,
		DisplayName: sp.DisplayName,
		Content:     FormatReport(sp.DisplayName, "Error: "+err.Error()),
		Failed:      true,
	}
}

// consultOne is the single-hop ReAct budget: one LLM call, an optional
// sequential tool batch, then at most one follow-up LLM call.
func (s *Scheduler) consultOne(ctx context.Context, sp *Specialist, req Request, query string) (string, error) {
	toolSet := s.toolSetFor(sp)
	executor := tools.NewScopedExecutor(s.registry, func(t tools.Tool) bool {
		for _, bound := range toolSet {
			if bound.Symbol() == t.Symbol() {
				return true
			}
		}
		return false
	})

	messages := []llms.Message{
		llms.SystemMessage(sp.SystemPrompt),
		llms.UserMessage(query),
	}

	resp, err := s.llm.Invoke(ctx, messages, tools.ToDefinitions(toolSet))
	if err != nil {
		return "", err
	}
	if len(resp.ToolCalls) == 0 {
		return resp.Content, nil
	}

	messages = append(messages, llms.AssistantMessage(resp.Content, resp.ToolCalls...))
	for _, call := range resp.ToolCalls {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		s.log(req, LogEntry{
			Message: fmt.Sprintf("Specialist %s calling tool %s", sp.DisplayName, call.Name),
			Level:   "info",
		})
		started := time.Now()
		result := executor.Execute(ctx, call.Name, call.Args)
		elapsed := time.Since(started).Seconds()
		s.log(req, LogEntry{
			Message:  fmt.Sprintf("Specialist %s finished tool %s", sp.DisplayName, call.Name),
			Level:    "info",
			Duration: &elapsed,
		})
		messages = append(messages, llms.ToolResultMessage(call.ID, result.Text()))
	}

	final, err := s.llm.Invoke(ctx, messages, tools.ToDefinitions(toolSet))
	if err != nil {
		return "", err
	}
	return final.Content, nil
}

// toolSetFor is the specialist's bound tool set: assigned and declared
// tools plus every global tool, deduplicated by symbol.
func (s *Scheduler) toolSetFor(sp *Specialist) []tools.Tool {
	scopeGlobal := tools.ScopeGlobal
	seen := make(map[string]bool)
	var set []tools.Tool
	for _, t := range s.registry.ListForSpecialist(sp.ID, sp.ToolSymbols) {
		if !seen[t.Symbol()] {
			set = append(set, t)
			seen[t.Symbol()] = true
		}
	}
	for _, t := range s.registry.ListForScope(&scopeGlobal) {
		if !seen[t.Symbol()] {
			set = append(set, t)
			seen[t.Symbol()] = true
		}
	}
	return set
}

func (s *Scheduler) log(req Request, entry LogEntry) {
	if req.OnLog != nil {
		req.OnLog(entry)
	}
}
